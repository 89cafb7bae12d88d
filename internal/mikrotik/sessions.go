package mikrotik

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/proisp/sharing/internal/sharing"
)

// ActiveSession is one row of /ppp/active
type ActiveSession struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Service  string `json:"service"`
	CallerID string `json:"caller_id"`
	Address  string `json:"address"`
	Uptime   string `json:"uptime"`
}

// ConnectionTable is the per-source view of the router's connection tracking table
type ConnectionTable struct {
	Counts map[string]int
	// TTLs holds, per source IP, the TTL values seen through the ttl_<n> connection marks
	TTLs map[string][]int
}

// GetActiveSessions lists the PPP sessions on the router
func GetActiveSessions(ctx context.Context, ex Executor) ([]ActiveSession, error) {
	rows, err := ex.Execute(ctx, "/ppp/active/print", "=.proplist=.id,name,service,caller-id,address,uptime")
	if err != nil {
		return nil, err
	}

	sessions := make([]ActiveSession, 0, len(rows))
	for _, r := range rows {
		if r["name"] == "" {
			continue
		}
		sessions = append(sessions, ActiveSession{
			ID:       r[".id"],
			Name:     r["name"],
			Service:  r["service"],
			CallerID: r["caller-id"],
			Address:  r["address"],
			Uptime:   r["uptime"],
		})
	}
	return sessions, nil
}

// GetConnectionTable reads the connection tracking table once and groups it by source IP
func GetConnectionTable(ctx context.Context, ex Executor) (ConnectionTable, error) {
	rows, err := ex.Execute(ctx, "/ip/firewall/connection/print", "=.proplist=src-address,connection-mark")
	if err != nil {
		return ConnectionTable{}, err
	}

	table := ConnectionTable{
		Counts: make(map[string]int),
		TTLs:   make(map[string][]int),
	}
	seen := make(map[string]map[int]bool)

	for _, r := range rows {
		ip := sourceIP(r["src-address"])
		if ip == "" {
			continue
		}
		table.Counts[ip]++

		ttl, ok := markTTL(r["connection-mark"])
		if !ok {
			continue
		}
		if seen[ip] == nil {
			seen[ip] = make(map[int]bool)
		}
		if !seen[ip][ttl] {
			seen[ip][ttl] = true
			table.TTLs[ip] = append(table.TTLs[ip], ttl)
		}
	}
	return table, nil
}

// ReadSessions joins active sessions with the connection table for one NAS
func ReadSessions(ctx context.Context, ex Executor, t Target) ([]sharing.Session, error) {
	active, err := GetActiveSessions(ctx, ex)
	if err != nil {
		return nil, fmt.Errorf("read active sessions: %w", err)
	}
	if len(active) == 0 {
		return nil, nil
	}

	table, err := GetConnectionTable(ctx, ex)
	if err != nil {
		return nil, fmt.Errorf("read connection table: %w", err)
	}

	sessions := make([]sharing.Session, 0, len(active))
	for _, a := range active {
		sessions = append(sessions, sharing.Session{
			Username:        a.Name,
			IPAddress:       a.Address,
			MACAddress:      a.CallerID,
			NasID:           t.ID,
			NasName:         t.Name,
			ConnectionCount: table.Counts[a.Address],
			TTLSamples:      table.TTLs[a.Address],
		})
	}
	return sessions, nil
}

// sourceIP strips the port from a connection-table address
func sourceIP(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func markTTL(mark string) (int, bool) {
	rest, ok := strings.CutPrefix(mark, "ttl_")
	if !ok {
		return 0, false
	}
	ttl, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return ttl, true
}
