package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	SerpAPI   SerpAPIConfig
	Scheduler SchedulerConfig
	Budget    BudgetConfig
	Archive   ArchiveConfig
	Crawl     CrawlConfig

	DatabaseURL string // postgres when set, sqlite otherwise
	DBPath      string
	LogLevel    string
	DefaultGL   string
	DefaultHL   string

	// Geo mapping tables merged from config/geo/*.yaml. The geo package
	// ships defaults for the common cases; these extend them.
	PostalTable map[string]string
	RegionTable map[string]string
}

type SerpAPIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

type SchedulerConfig struct {
	Cron            string        // optional cron expression for collect runs
	CollectInterval time.Duration // used when Cron is empty
	BudgetInterval  time.Duration
	Tick            time.Duration
}

type BudgetConfig struct {
	// Consecutive absent checks before a watched advertiser counts as
	// budget-exhausted; per-target thresholds override this.
	DefaultThreshold int
}

type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string // optional: DO Spaces, R2, MinIO
	AccessKeyID     string
	SecretAccessKey string
}

func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

type CrawlConfig struct {
	ProxyURL string
	Interval time.Duration
	Batch    int
}

type geoFile struct {
	Postal  map[string]string `yaml:"postal"`
	Regions map[string]string `yaml:"regions"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		SerpAPI: SerpAPIConfig{
			APIKey:  os.Getenv("SERPAPI_API_KEY"),
			BaseURL: getEnv("SERPAPI_BASE_URL", "https://serpapi.com/search"),
			Timeout: getEnvDuration("SERPAPI_TIMEOUT", 60*time.Second),
		},
		Scheduler: SchedulerConfig{
			Cron:            os.Getenv("COLLECT_CRON"),
			CollectInterval: getEnvDuration("COLLECT_INTERVAL", 6*time.Hour),
			BudgetInterval:  getEnvDuration("BUDGET_INTERVAL", time.Hour),
			Tick:            getEnvDuration("SCHEDULER_TICK", 15*time.Second),
		},
		Budget: BudgetConfig{
			DefaultThreshold: getEnvInt("BUDGET_MISS_THRESHOLD", 2),
		},
		Archive: ArchiveConfig{
			Bucket:          os.Getenv("ARCHIVE_BUCKET"),
			Region:          getEnv("ARCHIVE_REGION", "us-east-1"),
			Endpoint:        os.Getenv("ARCHIVE_ENDPOINT"),
			AccessKeyID:     os.Getenv("ARCHIVE_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("ARCHIVE_SECRET_ACCESS_KEY"),
		},
		Crawl: CrawlConfig{
			ProxyURL: os.Getenv("CRAWL_PROXY_URL"),
			Interval: getEnvDuration("CRAWL_INTERVAL", 10*time.Minute),
			Batch:    getEnvInt("CRAWL_BATCH", 10),
		},
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBPath:      getEnv("DB_PATH", "ppcwatch.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DefaultGL:   getEnv("DEFAULT_GL", "us"),
		DefaultHL:   getEnv("DEFAULT_HL", "en"),
		PostalTable: make(map[string]string),
		RegionTable: make(map[string]string),
	}

	if err := cfg.loadGeoTables(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadGeoTables() error {
	geoDir := "config/geo"
	entries, err := os.ReadDir(geoDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(geoDir, entry.Name()))
		if err != nil {
			return err
		}

		var gf geoFile
		if err := yaml.Unmarshal(data, &gf); err != nil {
			return err
		}

		for zip, place := range gf.Postal {
			c.PostalTable[zip] = place
		}
		for country, code := range gf.Regions {
			c.RegionTable[country] = code
		}
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
