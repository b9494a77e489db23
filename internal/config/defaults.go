package config

import (
	"time"

	"github.com/cheikhfiteni/context-ta-backend/internal/secrets"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"http://localhost:5713"}
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 32 << 20
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMongo
	}
	if cfg.Storage.MongoURI == "" && cfg.Storage.MongoHost != "" {
		cfg.Storage.MongoURI = composeMongoURI(cfg.Storage.MongoUsername, cfg.Storage.MongoPassword, cfg.Storage.MongoHost)
	}
	if cfg.Storage.MongoDatabase == "" {
		cfg.Storage.MongoDatabase = "context_ta"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "~/.contextta/data/contextta.db"
	}
	if cfg.Completion.Model == "" {
		cfg.Completion.Model = "gpt-4-0125-preview"
	}
	if cfg.Completion.Timeout == 0 {
		cfg.Completion.Timeout = 120 * time.Second
	}
	if cfg.Secrets.Name == "" {
		cfg.Secrets.Name = secrets.DefaultSecretName
	}
	if cfg.Secrets.Region == "" {
		cfg.Secrets.Region = secrets.DefaultRegion
	}
	if cfg.Search.IndexPath == "" {
		cfg.Search.IndexPath = "~/.contextta/data/entries.bleve"
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Import.Directory == "" {
		cfg.Import.Directory = "~/.contextta/inbox"
	}
	if cfg.Import.Extensions == nil {
		cfg.Import.Extensions = []string{".txt", ".md", ".rst", ".pdf", ".docx", ".xlsx", ".odt", ".rtf"}
	}
	if cfg.Import.Recursive == nil {
		t := true
		cfg.Import.Recursive = &t
	}
	if cfg.Identity.MaxAttempts == 0 {
		cfg.Identity.MaxAttempts = 8
	}
}
