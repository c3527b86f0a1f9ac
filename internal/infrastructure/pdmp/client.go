// Package pdmp submits controlled-substance logs to a state prescription
// drug monitoring program gateway.
package pdmp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rxsys/go-dispense/internal/domain/dispensing"
	"github.com/rxsys/go-dispense/pkg/circuitbreaker"
)

// Config holds the gateway settings.
type Config struct {
	// Endpoint is the gateway base URL. Empty enables dry-run mode, where
	// submissions are logged and confirmed locally.
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

// Client submits reports through a circuit breaker so a degraded gateway
// sheds load instead of tying up workers.
type Client struct {
	config  Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("pdmp-gateway"), logger),
		logger:  logger,
	}
}

// report is the gateway wire format.
type report struct {
	LogID          string `json:"log_id"`
	DispensingID   string `json:"dispensing_id"`
	PatientID      string `json:"patient_id"`
	PrescriberID   string `json:"prescriber_id"`
	PharmacyID     string `json:"pharmacy_id"`
	MedicationName string `json:"medication_name"`
	Schedule       string `json:"schedule"`
	Quantity       int    `json:"quantity"`
	DaysSupply     int    `json:"days_supply"`
}

// Submit sends one controlled-substance log to the gateway. A nil return
// means the gateway accepted the report.
func (c *Client) Submit(ctx context.Context, log *dispensing.ControlledLog) error {
	if c.config.Endpoint == "" {
		c.logger.Info("dry-run PDMP submission",
			zap.String("log_id", log.ID),
			zap.String("schedule", log.Schedule))
		return nil
	}

	body, err := json.Marshal(report{
		LogID:          log.ID,
		DispensingID:   log.DispensingID,
		PatientID:      log.PatientID,
		PrescriberID:   log.PrescriberID,
		PharmacyID:     log.PharmacyID,
		MedicationName: log.MedicationName,
		Schedule:       log.Schedule,
		Quantity:       log.Quantity,
		DaysSupply:     log.DaysSupply,
	})
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	return c.breaker.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.config.Endpoint+"/v1/reports", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.config.APIKey != "" {
			req.Header.Set("X-API-Key", c.config.APIKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("submit report: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 300 {
			return fmt.Errorf("gateway returned %d", resp.StatusCode)
		}
		return nil
	})
}
