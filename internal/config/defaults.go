package config

import "time"

// Default returns the built-in configuration defaults, mirroring the
// teacher's DefaultQueueConfig() shape extended to Deepr's components.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			WorkerCount:        5,
			MaxInflightJobs:    20,
			PollInterval:       30 * time.Second,
			PollIntervalJitter: 5 * time.Second,
			SubmitTimeout:      60 * time.Second,
			StuckThreshold:     30 * time.Minute,
			LockTimeout:        5 * time.Second,
		},
		Budget: BudgetConfig{
			DailyCapUSD:   25,
			MonthlyCapUSD: 250,
			Timezone:      "UTC",
		},
		API: APIConfig{
			ListenAddr:     ":8080",
			ModelAllowlist: []string{"small", "standard", "large", "planner"},
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "deepr",
			Database:        "deepr",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Campaign: CampaignConfig{
			MaxParallelPerCampaign: 4,
			MaxRounds:              3,
			SummaryTokenBudget:     3000,
			RetryBaseDelay:         30 * time.Second,
			RetryFactor:            2,
			RetryMaxAttempts:       3,
		},
	}
}
