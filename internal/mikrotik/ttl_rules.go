package mikrotik

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/proisp/sharing/internal/logging"
	"github.com/proisp/sharing/internal/metrics"
	"github.com/proisp/sharing/internal/sharing"
)

// DetectionTTLs are the TTL values each NAS marks connections for
var DetectionTTLs = []int{
	sharing.TTLWindows,
	sharing.TTLWindowsRouted,
	sharing.TTLUnix,
	sharing.TTLUnixRouted,
}

// RulesPerNAS is the number of mangle rules a fully configured NAS carries
const RulesPerNAS = 4

const maxParallelStatus = 16

// ConnectionMark is the connection mark applied to traffic with the given TTL
func ConnectionMark(ttl int) string {
	return "ttl_" + strconv.Itoa(ttl)
}

// RuleComment is the comment stamped on the rule for one TTL value
func RuleComment(tag string, ttl int) string {
	return fmt.Sprintf("%s ttl=%d", tag, ttl)
}

// NasRuleStatus reports whether a NAS carries the detection rules
type NasRuleStatus struct {
	NasID           uint   `json:"nas_id"`
	NasName         string `json:"nas_name"`
	NasIPAddress    string `json:"nas_ip"`
	RulesConfigured bool   `json:"rules_configured"`
	RuleCount       int    `json:"rule_count"`
	Error           string `json:"error,omitempty"`
}

// RuleResult summarizes a generate or remove operation
type RuleResult struct {
	NasID     uint   `json:"nas_id"`
	NasName   string `json:"nas_name"`
	Added     int    `json:"added"`
	Removed   int    `json:"removed"`
	RuleCount int    `json:"rule_count"`
}

// NasError carries the identity of the NAS an operation failed on
type NasError struct {
	NasID   uint
	NasName string
	Address string
	Op      string
	Err     error

	unreachable bool
}

func (e *NasError) Error() string {
	return fmt.Sprintf("nas %s (%s) %s: %v", e.NasName, e.Address, e.Op, e.Err)
}

// Unwrap exposes the cause, plus ErrUnreachableNAS for transport failures
func (e *NasError) Unwrap() []error {
	if e.unreachable {
		return []error{e.Err, sharing.ErrUnreachableNAS}
	}
	return []error{e.Err}
}

// NewNasError wraps err with the NAS identity. Errors that are not router
// replies or partial applications are treated as the router being unreachable.
func NewNasError(t Target, op string, err error) *NasError {
	var trap *TrapError
	return &NasError{
		NasID:       t.ID,
		NasName:     t.Name,
		Address:     t.Address,
		Op:          op,
		Err:         err,
		unreachable: !errors.As(err, &trap) && !errors.Is(err, sharing.ErrPartialRuleApplication),
	}
}

type mangleRule struct {
	ID      string
	Comment string
	TTL     int
}

// TTLRuleManager provisions the mangle rules that mark connections by TTL
type TTLRuleManager struct {
	connector Connector
	tag       string
	locks     keyedMutex
	log       zerolog.Logger
}

// NewTTLRuleManager creates a rule manager that identifies its rules by tag
func NewTTLRuleManager(connector Connector, tag string) *TTLRuleManager {
	return &TTLRuleManager{
		connector: connector,
		tag:       tag,
		log:       logging.Component("mikrotik"),
	}
}

// Tag returns the comment prefix that marks managed rules
func (m *TTLRuleManager) Tag() string {
	return m.tag
}

// GetRuleStatus inspects one NAS. Failures are reported in the status, never returned.
func (m *TTLRuleManager) GetRuleStatus(ctx context.Context, t Target) NasRuleStatus {
	status := NasRuleStatus{
		NasID:        t.ID,
		NasName:      t.Name,
		NasIPAddress: t.Address,
	}

	rules, err := m.taggedRules(ctx, m.connector.Executor(t))
	if err != nil {
		status.Error = err.Error()
		return status
	}

	status.RuleCount = len(rules)
	status.RulesConfigured = len(desiredPresent(rules)) == RulesPerNAS
	return status
}

// ListRuleStatus inspects every NAS concurrently, keeping input order
func (m *TTLRuleManager) ListRuleStatus(ctx context.Context, targets []Target) []NasRuleStatus {
	statuses := make([]NasRuleStatus, len(targets))

	var g errgroup.Group
	g.SetLimit(maxParallelStatus)
	for i, t := range targets {
		g.Go(func() error {
			statuses[i] = m.GetRuleStatus(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	return statuses
}

// GenerateRules reconciles the NAS to exactly one tagged rule per detection TTL.
// Untagged rules are never touched. Running it again converges to the same state.
func (m *TTLRuleManager) GenerateRules(ctx context.Context, t Target) (RuleResult, error) {
	unlock := m.locks.Lock(t.HostPort())
	defer unlock()

	result := RuleResult{NasID: t.ID, NasName: t.Name}
	ex := m.connector.Executor(t)

	rules, err := m.taggedRules(ctx, ex)
	if err != nil {
		metrics.RuleOperations.WithLabelValues("generate", "failed").Inc()
		return result, NewNasError(t, "generate rules", err)
	}

	kept := make(map[int]bool, RulesPerNAS)
	var stale []mangleRule
	for _, r := range rules {
		if isDetectionTTL(r.TTL) && !kept[r.TTL] {
			kept[r.TTL] = true
			continue
		}
		stale = append(stale, r)
	}

	var applyErrs []error
	for _, r := range stale {
		if err := m.removeRule(ctx, ex, r.ID); err != nil {
			applyErrs = append(applyErrs, fmt.Errorf("remove %s: %w", r.ID, err))
			continue
		}
		result.Removed++
	}

	for _, ttl := range DetectionTTLs {
		if kept[ttl] {
			continue
		}
		if err := m.addRule(ctx, ex, ttl); err != nil {
			applyErrs = append(applyErrs, fmt.Errorf("add ttl=%d: %w", ttl, err))
			continue
		}
		result.Added++
	}

	// Verify against what the router actually holds now
	rules, err = m.taggedRules(ctx, ex)
	if err != nil {
		metrics.RuleOperations.WithLabelValues("generate", "failed").Inc()
		return result, NewNasError(t, "generate rules", errors.Join(append(applyErrs, err)...))
	}
	present := len(desiredPresent(rules))
	result.RuleCount = len(rules)

	if present < RulesPerNAS {
		metrics.RuleOperations.WithLabelValues("generate", "partial").Inc()
		cause := fmt.Errorf("%w: %d of %d rules present", sharing.ErrPartialRuleApplication, present, RulesPerNAS)
		return result, NewNasError(t, "generate rules", errors.Join(append([]error{cause}, applyErrs...)...))
	}

	metrics.RuleOperations.WithLabelValues("generate", "success").Inc()
	m.log.Info().Str("nas", t.Name).Int("added", result.Added).Int("removed", result.Removed).
		Msg("TTL detection rules reconciled")
	return result, nil
}

// RemoveRules deletes every tagged rule. Finding none is success.
func (m *TTLRuleManager) RemoveRules(ctx context.Context, t Target) (RuleResult, error) {
	unlock := m.locks.Lock(t.HostPort())
	defer unlock()

	result := RuleResult{NasID: t.ID, NasName: t.Name}
	ex := m.connector.Executor(t)

	rules, err := m.taggedRules(ctx, ex)
	if err != nil {
		metrics.RuleOperations.WithLabelValues("remove", "failed").Inc()
		return result, NewNasError(t, "remove rules", err)
	}

	var errs []error
	for _, r := range rules {
		if err := m.removeRule(ctx, ex, r.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", r.ID, err))
			continue
		}
		result.Removed++
	}
	result.RuleCount = len(rules) - result.Removed

	if len(errs) > 0 {
		metrics.RuleOperations.WithLabelValues("remove", "failed").Inc()
		return result, NewNasError(t, "remove rules", errors.Join(errs...))
	}

	metrics.RuleOperations.WithLabelValues("remove", "success").Inc()
	m.log.Info().Str("nas", t.Name).Int("removed", result.Removed).Msg("TTL detection rules removed")
	return result, nil
}

// owns reports whether a rule comment marks a rule managed by this tag.
// The bare tag is accepted for rules created before per-TTL comments.
func (m *TTLRuleManager) owns(comment string) bool {
	return comment == m.tag || strings.HasPrefix(comment, m.tag+" ")
}

// taggedRules lists the mangle rules owned by the tag
func (m *TTLRuleManager) taggedRules(ctx context.Context, ex Executor) ([]mangleRule, error) {
	rows, err := ex.Execute(ctx, "/ip/firewall/mangle/print", "=.proplist=.id,comment,ttl")
	if err != nil {
		return nil, err
	}

	var rules []mangleRule
	for _, row := range rows {
		comment := row["comment"]
		if !m.owns(comment) {
			continue
		}
		rules = append(rules, mangleRule{
			ID:      row[".id"],
			Comment: comment,
			TTL:     m.ruleTTL(comment, row["ttl"]),
		})
	}
	return rules, nil
}

// ruleTTL reads the TTL from the comment, then from the rule's ttl matcher
func (m *TTLRuleManager) ruleTTL(comment, matcher string) int {
	if rest, ok := strings.CutPrefix(comment, m.tag+" ttl="); ok {
		if ttl, err := strconv.Atoi(rest); err == nil {
			return ttl
		}
	}
	if rest, ok := strings.CutPrefix(matcher, "equal:"); ok {
		if ttl, err := strconv.Atoi(rest); err == nil {
			return ttl
		}
	}
	return 0
}

func (m *TTLRuleManager) addRule(ctx context.Context, ex Executor, ttl int) error {
	_, err := ex.Execute(ctx, "/ip/firewall/mangle/add",
		"=chain=prerouting",
		"=ttl=equal:"+strconv.Itoa(ttl),
		"=action=mark-connection",
		"=new-connection-mark="+ConnectionMark(ttl),
		"=passthrough=yes",
		"=comment="+RuleComment(m.tag, ttl),
	)
	return err
}

func (m *TTLRuleManager) removeRule(ctx context.Context, ex Executor, id string) error {
	_, err := ex.Execute(ctx, "/ip/firewall/mangle/remove", "=.id="+id)
	return err
}

func desiredPresent(rules []mangleRule) map[int]bool {
	present := make(map[int]bool, RulesPerNAS)
	for _, r := range rules {
		if isDetectionTTL(r.TTL) {
			present[r.TTL] = true
		}
	}
	return present
}

func isDetectionTTL(ttl int) bool {
	for _, t := range DetectionTTLs {
		if t == ttl {
			return true
		}
	}
	return false
}

// keyedMutex serializes work per key
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
