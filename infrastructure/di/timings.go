package di

import (
	"time"

	"lumina-backend/application/autosave"
	"lumina-backend/application/presence"
	domainconfig "lumina-backend/domain/config"
	"lumina-backend/infrastructure/realtime/spaces"
)

// RegistryConfig maps the domain timings onto the space registry. Expiry is
// swept at a third of the presence timeout.
func RegistryConfig(d *domainconfig.DomainConfig) spaces.Config {
	cfg := spaces.DefaultConfig()
	cfg.LockTTL = d.LockTTL
	cfg.PresenceTimeout = d.PresenceTimeout
	if sweep := d.PresenceTimeout / 3; sweep > 0 {
		cfg.SweepInterval = sweep
	}
	if d.SubscriberBuffer > 0 {
		cfg.SubscriberBuffer = d.SubscriberBuffer
	}
	return cfg
}

// PresenceConfig maps the domain timings onto the presence service
func PresenceConfig(d *domainconfig.DomainConfig) presence.Config {
	cfg := presence.DefaultConfig()
	cfg.HeartbeatInterval = d.HeartbeatInterval
	cfg.ReconcileInterval = d.ReconcileInterval
	cfg.PresenceTimeout = d.PresenceTimeout
	cfg.ResubscribeBackoff = d.ResubscribeBackoff
	cfg.MaxResubscribeDelay = d.MaxResubscribeDelay
	if d.SubscriberBuffer > 0 {
		cfg.SubscriberBuffer = d.SubscriberBuffer
	}
	return cfg
}

// SchedulerConfig maps the domain timings onto the save scheduler
func SchedulerConfig(d *domainconfig.DomainConfig) autosave.Config {
	cfg := autosave.DefaultConfig()
	cfg.Debounce = d.SaveDebounce
	cfg.MinInterval = d.MinSaveInterval
	cfg.RetryBackoff = d.SaveRetryBackoff
	// a save never runs longer than the lock that guards it
	cfg.PersistTimeout = min(cfg.PersistTimeout, max(d.LockTTL, time.Second))
	return cfg
}
