package config

import (
	"fmt"
	"time"
)

// DomainConfig holds all configurable business rules and timings
type DomainConfig struct {
	// Board constraints
	MaxBoardNameLength int    `yaml:"maxBoardNameLength"`
	DefaultBoardName   string `yaml:"defaultBoardName"`
	MaxNodesPerBoard   int    `yaml:"maxNodesPerBoard"`
	MaxEdgesPerBoard   int    `yaml:"maxEdgesPerBoard"`

	// Node constraints
	MaxContentLength int `yaml:"maxContentLength"`
	MaxOptions       int `yaml:"maxOptions"`

	// Locking
	LockTTL time.Duration `yaml:"lockTTL"`

	// Autosave
	SaveDebounce     time.Duration `yaml:"saveDebounce"`
	MinSaveInterval  time.Duration `yaml:"minSaveInterval"`
	SaveRetryBackoff time.Duration `yaml:"saveRetryBackoff"`

	// Presence
	PresenceTimeout     time.Duration `yaml:"presenceTimeout"`
	HeartbeatInterval   time.Duration `yaml:"heartbeatInterval"`
	ReconcileInterval   time.Duration `yaml:"reconcileInterval"`
	ResubscribeBackoff  time.Duration `yaml:"resubscribeBackoff"`
	MaxResubscribeDelay time.Duration `yaml:"maxResubscribeDelay"`
	CursorRatePerSecond int           `yaml:"cursorRatePerSecond"`
	SubscriberBuffer    int           `yaml:"subscriberBuffer"`

	// Sharing
	ShareLinkTTL time.Duration `yaml:"shareLinkTTL"`

	// Feature flags
	EnableRealTimeSync bool `yaml:"enableRealTimeSync"`
	AllowPublicEdit    bool `yaml:"allowPublicEdit"`
}

// DefaultDomainConfig returns the default domain configuration
func DefaultDomainConfig() *DomainConfig {
	return &DomainConfig{
		MaxBoardNameLength: 100,
		DefaultBoardName:   "Untitled Board",
		MaxNodesPerBoard:   2000,
		MaxEdgesPerBoard:   5000,

		MaxContentLength: 20000,
		MaxOptions:       12,

		LockTTL: 5 * time.Minute,

		SaveDebounce:     1 * time.Second,
		MinSaveInterval:  2 * time.Second,
		SaveRetryBackoff: 5 * time.Second,

		PresenceTimeout:     30 * time.Second,
		HeartbeatInterval:   10 * time.Second,
		ReconcileInterval:   15 * time.Second,
		ResubscribeBackoff:  1 * time.Second,
		MaxResubscribeDelay: 30 * time.Second,
		CursorRatePerSecond: 30,
		SubscriberBuffer:    256,

		ShareLinkTTL: 0, // share links do not expire by default

		EnableRealTimeSync: true,
		AllowPublicEdit:    true,
	}
}

// ProductionDomainConfig returns production-specific configuration
func ProductionDomainConfig() *DomainConfig {
	config := DefaultDomainConfig()

	config.MaxNodesPerBoard = 1000
	config.CursorRatePerSecond = 20
	config.ShareLinkTTL = 30 * 24 * time.Hour

	return config
}

// DevelopmentDomainConfig returns development-specific configuration
func DevelopmentDomainConfig() *DomainConfig {
	config := DefaultDomainConfig()

	config.MaxNodesPerBoard = 100000
	config.MaxEdgesPerBoard = 500000
	config.PresenceTimeout = 2 * time.Minute

	return config
}

// LoadDomainConfig loads domain configuration based on environment
func LoadDomainConfig(environment string) *DomainConfig {
	switch environment {
	case "production":
		return ProductionDomainConfig()
	case "development":
		return DevelopmentDomainConfig()
	default:
		return DefaultDomainConfig()
	}
}

// Clone returns a copy that can be modified without affecting the receiver.
func (c *DomainConfig) Clone() *DomainConfig {
	cp := *c
	return &cp
}

// Validate checks if the configuration is valid
func (c *DomainConfig) Validate() error {
	if c.MaxBoardNameLength <= 0 {
		return fmt.Errorf("maxBoardNameLength must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lockTTL must be positive")
	}
	if c.SaveDebounce < 0 || c.MinSaveInterval < 0 {
		return fmt.Errorf("save timings cannot be negative")
	}
	if c.SaveRetryBackoff <= 0 {
		return fmt.Errorf("saveRetryBackoff must be positive")
	}
	if c.PresenceTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("presenceTimeout (%s) must exceed heartbeatInterval (%s)", c.PresenceTimeout, c.HeartbeatInterval)
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriberBuffer must be positive")
	}
	return nil
}
