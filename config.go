package firedoc

import (
	"context"
	"errors"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/api/option"
)

const envPrefix = "FIREDOC"

// Config holds the settings needed to open a Firestore-backed DB.
type Config struct {
	ProjectID       string
	DatabaseID      string
	EmulatorHost    string
	CredentialsFile string
	UpdateBatchSize int
	LogLevel        string
}

// LoadConfig reads an optional .env file from paths (the working directory
// when none are given) and FIREDOC_* environment variables, which take
// precedence over the file.
func LoadConfig(paths ...string) (Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	v.SetDefault("database_id", firestore.DefaultDatabaseID)
	v.SetDefault("update_batch_size", defaultUpdateBatchSize)
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, newError("config", err.Error(), CodeInvalidArgument, err)
		}
	}

	return Config{
		ProjectID:       v.GetString("project_id"),
		DatabaseID:      v.GetString("database_id"),
		EmulatorHost:    v.GetString("emulator_host"),
		CredentialsFile: v.GetString("credentials_file"),
		UpdateBatchSize: v.GetInt("update_batch_size"),
		LogLevel:        v.GetString("log_level"),
	}, nil
}

// NewLogger builds a production zap logger at level ("debug", "info", ...).
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, newError("config", err.Error(), CodeInvalidArgument, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// Open creates a Firestore client from cfg and wraps it in a DB. Options
// given here override the ones derived from cfg. The DB owns the client;
// close it with db.Close.
func Open(ctx context.Context, cfg Config, opts ...Option) (*DB, error) {
	if cfg.ProjectID == "" {
		return nil, newError("open", "project ID is required", CodeInvalidArgument, nil)
	}
	if cfg.EmulatorHost != "" {
		// the client only discovers the emulator through the environment
		if err := os.Setenv("FIRESTORE_EMULATOR_HOST", cfg.EmulatorHost); err != nil {
			return nil, newError("open", err.Error(), "", err)
		}
	}
	databaseID := cfg.DatabaseID
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}

	logger, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClientWithDatabase(ctx, cfg.ProjectID, databaseID, clientOpts...)
	if err != nil {
		return nil, Translate("open", err)
	}
	logger.Debug("firestore client created",
		zap.String("project", cfg.ProjectID),
		zap.String("database", databaseID),
		zap.Bool("emulator", cfg.EmulatorHost != ""),
	)

	base := []Option{WithLogger(logger)}
	if cfg.UpdateBatchSize > 0 {
		base = append(base, WithUpdateBatchSize(cfg.UpdateBatchSize))
	}
	return New(NewConnection(NewFirestoreDriver(client)), append(base, opts...)...), nil
}
