package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/proisp/sharing/internal/logging"
	"github.com/proisp/sharing/internal/metrics"
	"github.com/proisp/sharing/internal/mikrotik"
	"github.com/proisp/sharing/internal/models"
	"github.com/proisp/sharing/internal/sharing"
)

const (
	// DefaultNasQueryTimeout bounds each per-NAS session query
	DefaultNasQueryTimeout = 15 * time.Second

	maxParallelNAS  = 16
	enrichBatchSize = 500
)

// NasFailure records a NAS that contributed no sessions to a collection
type NasFailure struct {
	NasID   uint   `json:"nas_id"`
	NasName string `json:"nas_name"`
	Error   string `json:"error"`
}

// SessionSource lists the live sessions across NAS devices
type SessionSource interface {
	Collect(ctx context.Context, nasIDs ...uint) ([]sharing.Session, []NasFailure, error)
}

// NasTarget converts a NAS row into RouterOS API coordinates
func NasTarget(n models.Nas) mikrotik.Target {
	return mikrotik.Target{
		ID:       n.ID,
		Name:     n.Name,
		Address:  n.IPAddress,
		Port:     n.APIPort,
		Username: n.APIUsername,
		Password: n.APIPassword,
	}
}

// SessionCollector reads PPP sessions and connection tables from every active NAS
type SessionCollector struct {
	db        *gorm.DB
	connector mikrotik.Connector
	timeout   time.Duration
	log       zerolog.Logger
}

func NewSessionCollector(db *gorm.DB, connector mikrotik.Connector, timeout time.Duration) *SessionCollector {
	if timeout <= 0 {
		timeout = DefaultNasQueryTimeout
	}
	return &SessionCollector{
		db:        db,
		connector: connector,
		timeout:   timeout,
		log:       logging.Component("session-collector"),
	}
}

// ActiveNAS returns the active NAS devices, optionally restricted to ids
func (c *SessionCollector) ActiveNAS(ctx context.Context, ids ...uint) ([]models.Nas, error) {
	var nasList []models.Nas
	query := c.db.WithContext(ctx).Where("is_active = ?", true)
	if len(ids) > 0 {
		query = query.Where("id IN ?", ids)
	}
	if err := query.Order("id").Find(&nasList).Error; err != nil {
		return nil, fmt.Errorf("list active nas: %w", err)
	}
	return nasList, nil
}

// Collect queries every active NAS in parallel. A NAS that fails or exceeds the
// per-NAS timeout is reported in the failures and its sessions are left out.
// Sessions are grouped by NAS in id order.
func (c *SessionCollector) Collect(ctx context.Context, nasIDs ...uint) ([]sharing.Session, []NasFailure, error) {
	nasList, err := c.ActiveNAS(ctx, nasIDs...)
	if err != nil {
		return nil, nil, err
	}

	perNAS := make([][]sharing.Session, len(nasList))
	errs := make([]error, len(nasList))

	g := new(errgroup.Group)
	g.SetLimit(maxParallelNAS)
	for i, nas := range nasList {
		g.Go(func() error {
			target := NasTarget(nas)
			nctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			sessions, err := mikrotik.ReadSessions(nctx, c.connector.Executor(target), target)
			if err != nil {
				errs[i] = mikrotik.NewNasError(target, "read sessions", err)
				return nil
			}
			perNAS[i] = sessions
			return nil
		})
	}
	_ = g.Wait()

	var sessions []sharing.Session
	var failures []NasFailure
	for i, nas := range nasList {
		if errs[i] != nil {
			metrics.NasQueryFailures.WithLabelValues(nas.Name).Inc()
			c.log.Warn().Err(errs[i]).Uint("nas_id", nas.ID).Str("nas", nas.Name).
				Msg("NAS contributed no sessions")
			failures = append(failures, NasFailure{NasID: nas.ID, NasName: nas.Name, Error: errs[i].Error()})
			continue
		}
		sessions = append(sessions, perNAS[i]...)
	}

	if err := c.enrich(ctx, sessions); err != nil {
		c.log.Warn().Err(err).Msg("Failed to enrich sessions from subscribers")
	}
	return sessions, failures, nil
}

// enrich fills subscriber id, full name and service from the subscribers table
func (c *SessionCollector) enrich(ctx context.Context, sessions []sharing.Session) error {
	if len(sessions) == 0 {
		return nil
	}

	usernames := make([]string, 0, len(sessions))
	for _, s := range sessions {
		usernames = append(usernames, s.Username)
	}

	byUsername := make(map[string]models.Subscriber, len(sessions))
	for start := 0; start < len(usernames); start += enrichBatchSize {
		end := min(start+enrichBatchSize, len(usernames))

		var subs []models.Subscriber
		if err := c.db.WithContext(ctx).Preload("Service").
			Where("username IN ?", usernames[start:end]).Find(&subs).Error; err != nil {
			return err
		}
		for _, sub := range subs {
			byUsername[sub.Username] = sub
		}
	}

	for i := range sessions {
		sub, ok := byUsername[sessions[i].Username]
		if !ok {
			continue
		}
		sessions[i].SubscriberID = sub.ID
		sessions[i].FullName = sub.FullName
		if sub.Service != nil {
			sessions[i].ServiceName = sub.Service.Name
		}
	}
	return nil
}
