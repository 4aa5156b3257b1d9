package service

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xshayank/VpnMarket-sub001/database"
	"github.com/xshayank/VpnMarket-sub001/database/model"
	"github.com/xshayank/VpnMarket-sub001/util/common"
)

var defaultValueMap = map[string]string{
	"quotaGracePercent":         "2",
	"quotaGraceBytes":           "52428800",
	"configGraceEnabled":        "false",
	"configGracePercent":        "2",
	"configGraceBytes":          "52428800",
	"walletChargeEnabled":       "true",
	"walletPricePerGB":          "780",
	"walletSuspensionThreshold": "-1000",
	"walletIdempotencySeconds":  "60",
	"walletMinDeltaBytes":       "0",
	"usageAggregationEnabled":   "true",
	"usageSyncCron":             "@every 1m",
	"walletChargeCron":          "@every 1m",
	"reenableCron":              "@every 5m",
	"auditRetentionDays":        "90",
	"timeLocation":              "Asia/Tehran",
}

// EngineConfig is the immutable snapshot of the engine settings taken at the start of a run.
type EngineConfig struct {
	QuotaGracePercent float64
	QuotaGraceBytes   int64

	ConfigGraceEnabled bool
	ConfigGracePercent float64
	ConfigGraceBytes   int64

	WalletChargeEnabled       bool
	WalletPricePerGB          decimal.Decimal
	WalletSuspensionThreshold decimal.Decimal
	WalletIdempotencyWindow   time.Duration
	WalletMinDeltaBytes       int64

	UsageAggregationEnabled bool
	Location                *time.Location
}

// DefaultEngineConfig returns the configuration built from defaultValueMap alone.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		QuotaGracePercent:         2,
		QuotaGraceBytes:           50 << 20,
		ConfigGracePercent:        2,
		ConfigGraceBytes:          50 << 20,
		WalletChargeEnabled:       true,
		WalletPricePerGB:          decimal.NewFromInt(780),
		WalletSuspensionThreshold: decimal.NewFromInt(-1000),
		WalletIdempotencyWindow:   time.Minute,
		UsageAggregationEnabled:   true,
		Location:                  time.UTC,
	}
}

type SettingService struct{}

// GetEngineConfig resolves every engine setting once.
func (s *SettingService) GetEngineConfig() (EngineConfig, error) {
	var (
		cfg EngineConfig
		err error
	)
	if cfg.QuotaGracePercent, err = s.getFloat("quotaGracePercent"); err != nil {
		return cfg, err
	}
	if cfg.QuotaGraceBytes, err = s.getInt64("quotaGraceBytes"); err != nil {
		return cfg, err
	}
	if cfg.ConfigGraceEnabled, err = s.getBool("configGraceEnabled"); err != nil {
		return cfg, err
	}
	if cfg.ConfigGracePercent, err = s.getFloat("configGracePercent"); err != nil {
		return cfg, err
	}
	if cfg.ConfigGraceBytes, err = s.getInt64("configGraceBytes"); err != nil {
		return cfg, err
	}
	if cfg.WalletChargeEnabled, err = s.getBool("walletChargeEnabled"); err != nil {
		return cfg, err
	}
	if cfg.WalletPricePerGB, err = s.getDecimal("walletPricePerGB"); err != nil {
		return cfg, err
	}
	if cfg.WalletSuspensionThreshold, err = s.getDecimal("walletSuspensionThreshold"); err != nil {
		return cfg, err
	}
	seconds, err := s.getInt64("walletIdempotencySeconds")
	if err != nil {
		return cfg, err
	}
	cfg.WalletIdempotencyWindow = time.Duration(seconds) * time.Second
	if cfg.WalletMinDeltaBytes, err = s.getInt64("walletMinDeltaBytes"); err != nil {
		return cfg, err
	}
	if cfg.UsageAggregationEnabled, err = s.getBool("usageAggregationEnabled"); err != nil {
		return cfg, err
	}
	if cfg.Location, err = s.GetTimeLocation(); err != nil {
		return cfg, err
	}
	if cfg.QuotaGracePercent < 0 || cfg.ConfigGracePercent < 0 || cfg.QuotaGraceBytes < 0 || cfg.ConfigGraceBytes < 0 {
		return cfg, common.NewErrorf("grace settings must not be negative")
	}
	return cfg, nil
}

// GetAllSettings returns every known key with its effective value.
func (s *SettingService) GetAllSettings() (map[string]string, error) {
	db := database.GetDB()
	settings := make([]*model.Setting, 0)
	if err := db.Model(model.Setting{}).Find(&settings).Error; err != nil {
		return nil, err
	}
	all := make(map[string]string, len(defaultValueMap))
	for k, v := range defaultValueMap {
		all[k] = v
	}
	for _, setting := range settings {
		if _, ok := defaultValueMap[setting.Key]; ok {
			all[setting.Key] = setting.Value
		}
	}
	return all, nil
}

// SetSetting stores a known key after checking it parses like its default.
func (s *SettingService) SetSetting(key, value string) error {
	def, ok := defaultValueMap[key]
	if !ok {
		return common.NewErrorf("unknown setting <%v>", key)
	}
	if _, err := strconv.ParseBool(def); err == nil {
		if _, err := strconv.ParseBool(value); err != nil {
			return common.NewErrorf("setting <%v> expects a boolean: %v", key, err)
		}
	} else if _, err := decimal.NewFromString(def); err == nil {
		if _, err := decimal.NewFromString(value); err != nil {
			return common.NewErrorf("setting <%v> expects a number: %v", key, err)
		}
	}
	return s.saveSetting(key, value)
}

func (s *SettingService) ResetSettings() error {
	db := database.GetDB()
	return db.Where("1 = 1").Delete(model.Setting{}).Error
}

func (s *SettingService) getSetting(key string) (*model.Setting, error) {
	db := database.GetDB()
	setting := &model.Setting{}
	err := db.Model(model.Setting{}).Where("key = ?", key).First(setting).Error
	if err != nil {
		return nil, err
	}
	return setting, nil
}

func (s *SettingService) saveSetting(key string, value string) error {
	setting, err := s.getSetting(key)
	db := database.GetDB()
	if database.IsNotFound(err) {
		return db.Create(&model.Setting{
			Key:   key,
			Value: value,
		}).Error
	} else if err != nil {
		return err
	}
	setting.Value = value
	return db.Save(setting).Error
}

func (s *SettingService) getString(key string) (string, error) {
	setting, err := s.getSetting(key)
	if database.IsNotFound(err) {
		value, ok := defaultValueMap[key]
		if !ok {
			return "", common.NewErrorf("key <%v> not in defaultValueMap", key)
		}
		return value, nil
	} else if err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (s *SettingService) getBool(key string) (bool, error) {
	str, err := s.getString(key)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(str)
}

func (s *SettingService) getInt64(key string) (int64, error) {
	str, err := s.getString(key)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(str, 10, 64)
}

func (s *SettingService) getFloat(key string) (float64, error) {
	str, err := s.getString(key)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(str, 64)
}

func (s *SettingService) getDecimal(key string) (decimal.Decimal, error) {
	str, err := s.getString(key)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}

func (s *SettingService) GetUsageSyncCron() (string, error) {
	return s.getString("usageSyncCron")
}

func (s *SettingService) GetWalletChargeCron() (string, error) {
	return s.getString("walletChargeCron")
}

func (s *SettingService) GetReenableCron() (string, error) {
	return s.getString("reenableCron")
}

func (s *SettingService) GetAuditRetentionDays() (int, error) {
	n, err := s.getInt64("auditRetentionDays")
	return int(n), err
}

func (s *SettingService) GetTimeLocation() (*time.Location, error) {
	l, err := s.getString("timeLocation")
	if err != nil {
		return nil, err
	}
	location, err := time.LoadLocation(l)
	if err != nil {
		defaultLocation := defaultValueMap["timeLocation"]
		location, err = time.LoadLocation(defaultLocation)
		if err != nil {
			return time.UTC, nil
		}
	}
	return location, nil
}
