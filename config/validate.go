package config

import (
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
)

// Validate validates the Config for required fields and value ranges.
func Validate(cfg *Config) error {
	switch {
	case cfg.Source == "" && cfg.Target == "":
		return errors.New("source URI and target URI are empty")
	case cfg.Source == "":
		return errors.New("source URI is empty")
	case cfg.Target == "":
		return errors.New("target URI is empty")
	case cfg.Source == cfg.Target:
		return errors.New("source URI and target URI are identical")
	}

	if cfg.MetricsPort != 0 && (cfg.MetricsPort <= 1024 || cfg.MetricsPort > 65535) {
		return errors.New("metrics port value is outside the supported range [1024 - 65535]")
	}

	for i, entry := range cfg.Blacklist {
		if strings.TrimSpace(entry.Database) == "" {
			return errors.Errorf("blacklist entry %d: database is empty", i)
		}
	}

	err := validateRepl(&cfg.Repl)
	if err != nil {
		return err
	}

	if cfg.DeadLetter.NATSURL != "" && cfg.DeadLetter.Subject == "" {
		return errors.New("dead letter NATS subject is empty")
	}

	return nil
}

func validateRepl(cfg *ReplConfig) error {
	if cfg.QueueSize <= 0 {
		return errors.New("repl-queue-size must be positive")
	}

	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxReplBatchSize {
		return errors.Errorf("repl-batch-size must be within [1 - %d]", MaxReplBatchSize)
	}

	if cfg.BatchMaxBytes != "" {
		_, err := ParseAndValidateBatchMaxBytes(cfg.BatchMaxBytes)
		if err != nil {
			return err
		}
	}

	if cfg.IdleInterval <= 0 {
		return errors.New("repl-idle-interval must be positive")
	}

	if cfg.LagReportInterval <= 0 {
		return errors.New("repl-lag-report-interval must be positive")
	}

	if cfg.ResumeWindow < 0 {
		return errors.New("repl-resume-window must not be negative")
	}

	if cfg.ShutdownTimeout <= 0 {
		return errors.New("shutdown-timeout must be positive")
	}

	if cfg.StartAt != "" {
		_, err := ParseStartAt(cfg.StartAt)
		if err != nil {
			return err
		}
	}

	return nil
}

// ValidateBatchMaxBytes validates a namespace batch byte ceiling.
// It allows values within [[MinReplBatchMaxBytes], [MaxReplBatchMaxBytes]].
func ValidateBatchMaxBytes(sizeBytes uint64) error {
	if sizeBytes < MinReplBatchMaxBytes {
		return errors.Errorf("repl-batch-max-bytes must be at least %s, got %s",
			humanize.IBytes(MinReplBatchMaxBytes),
			humanize.IBytes(sizeBytes))
	}

	if sizeBytes > MaxReplBatchMaxBytes {
		return errors.Errorf("repl-batch-max-bytes must be at most %s, got %s",
			humanize.Bytes(MaxReplBatchMaxBytes),
			humanize.Bytes(sizeBytes))
	}

	return nil
}
