package audit

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrInvalidIP is returned when an IP address does not parse
var ErrInvalidIP = errors.New("invalid IP address")

// BlockIP records an ip_blocked event, which the rate limiter honours for
// its block window, and logs the admin action behind it.
func BlockIP(ctx context.Context, store Store, ip, reason, adminID string) (*SecurityEvent, error) {
	if net.ParseIP(ip) == nil {
		return nil, fmt.Errorf("%w %q", ErrInvalidIP, ip)
	}
	if adminID == "" {
		return nil, errors.New("admin ID is required")
	}

	event := &SecurityEvent{
		IPAddress:   ip,
		EventType:   EventIPBlocked,
		Severity:    SeverityCritical,
		Description: reason,
		Metadata:    map[string]any{"blocked_by": adminID},
	}
	if err := store.Emit(ctx, event); err != nil {
		return nil, err
	}

	if err := store.LogAdminAction(ctx, &AdminAction{
		AdminID: adminID,
		Action:  ActionBlockIP,
		Details: map[string]any{"ip_address": ip, "reason": reason, "event_id": event.ID},
	}); err != nil {
		return event, fmt.Errorf("ip blocked but admin action not recorded: %w", err)
	}
	return event, nil
}
