package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

// Pipeline modes accepted by -pipeline-mode.
const (
	PipelineBus          = "bus"
	PipelineOrchestrator = "orchestrator"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	ClaudeAPIKey          string
	ClaudeModel           string
	OracleTimeoutSeconds  int
	OracleRPS             float64
	DatabaseURL           string
	SlackWebhookURL       string
	KafkaBrokers          string
	KafkaTopic            string
	KafkaBusTopics        string
	BusHistorySize        int
	PipelineMode          string
	CatalogSeed           int64
	TrafficDelayMinutes   int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude classification oracle (empty = keyword/vitals scoring only)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.IntVar(&c.OracleTimeoutSeconds, "oracle-timeout-seconds", 30, "timeout for one oracle classification call (1..300)")
	fs.Float64Var(&c.OracleRPS, "oracle-rps", 2, "max oracle requests per second (0 = unpaced)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for emergency dispatch notifications")
	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma-separated Kafka brokers to mirror bus events to (empty = disabled)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "carepath.events", "Kafka topic for mirrored bus events")
	fs.StringVar(&c.KafkaBusTopics, "kafka-bus-topics", "", "comma-separated bus topics to mirror (empty = all)")
	fs.IntVar(&c.BusHistorySize, "bus-history-size", 1000, "delivered events kept for the events endpoint")
	fs.StringVar(&c.PipelineMode, "pipeline-mode", PipelineBus, "case pipeline driver: bus or orchestrator")
	fs.Int64Var(&c.CatalogSeed, "catalog-seed", 0, "seed for simulated resource drift and traffic (0 = time based)")
	fs.IntVar(&c.TrafficDelayMinutes, "traffic-delay-minutes", -1, "fixed traffic delay in minutes (-1 = simulated)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// model only matters when the oracle is enabled
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if c.OracleTimeoutSeconds <= 0 || c.OracleTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid ORACLE_TIMEOUT_SECONDS %d (must be 1..300)", c.OracleTimeoutSeconds))
	}
	if c.OracleRPS < 0 {
		errs = append(errs, fmt.Errorf("invalid ORACLE_RPS %g (must be >= 0)", c.OracleRPS))
	}

	if len(c.Brokers()) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}

	if c.BusHistorySize < 0 {
		errs = append(errs, fmt.Errorf("invalid BUS_HISTORY_SIZE %d (must be >= 0)", c.BusHistorySize))
	}

	if c.PipelineMode != PipelineBus && c.PipelineMode != PipelineOrchestrator {
		errs = append(errs, fmt.Errorf("invalid PIPELINE_MODE %q (must be %s or %s)", c.PipelineMode, PipelineBus, PipelineOrchestrator))
	}

	if c.TrafficDelayMinutes < -1 || c.TrafficDelayMinutes > 30 {
		errs = append(errs, fmt.Errorf("invalid TRAFFIC_DELAY_MINUTES %d (must be -1..30)", c.TrafficDelayMinutes))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Brokers returns the configured Kafka brokers.
func (c *Config) Brokers() []string { return splitList(c.KafkaBrokers) }

// BusTopics returns the bus topics to mirror to Kafka.
func (c *Config) BusTopics() []string { return splitList(c.KafkaBusTopics) }

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
