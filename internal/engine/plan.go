package engine

import (
	"fmt"

	"github.com/posthorn/posthorn/internal/model"
	"github.com/posthorn/posthorn/internal/mxresolve"
)

// resolveMX fills in MXServers for every recipient that doesn't have it
// yet, by looking up each distinct domain at most once. It mutates status
// in place. Only called in Remote delivery mode.
func resolveMX(status *model.InternalMessageStatus, resolver *mxresolve.Resolver) error {
	cache := make(map[string][]string)
	for i := range status.Recipients {
		r := &status.Recipients[i]
		if r.MXServers != nil {
			continue
		}
		servers, ok := cache[r.Domain]
		if !ok {
			var err error
			servers, err = resolver.LookupMX(r.Domain)
			if err != nil {
				return fmt.Errorf("resolving MX for %s: %w", r.Domain, err)
			}
			cache[r.Domain] = servers
		}
		r.MXServers = servers
	}
	return nil
}

// needsMX reports whether any recipient is still missing MX information.
func needsMX(status model.InternalMessageStatus) bool {
	for _, r := range status.Recipients {
		if r.MXServers == nil {
			return true
		}
	}
	return false
}

// failExhaustedAttempts rewrites every still-Deferred recipient to Failed
// once the message has used up its worker-level retry budget.
func failExhaustedAttempts(status *model.InternalMessageStatus) {
	for i := range status.Recipients {
		r := &status.Recipients[i]
		if r.Result.State == model.StateDeferred {
			r.Result = model.Failed(fmt.Sprintf("Too many attempts (%d): %s", r.Result.Attempts, r.Result.Reason))
		}
	}
}

// mxDelivery groups recipient indices that should be delivered together in
// a single SMTP session: to relay_config.Host in Relay mode, or to one MX
// exchange in Remote mode.
type mxDelivery struct {
	server     string
	recipients []int
}

// planMXDeliverySessions decides which SMTP sessions still need to run.
// Relay mode always produces exactly one session covering every recipient.
// Remote mode walks each recipient's MX list (starting at CurrentMX),
// grouping recipients destined for the same exchange into one session; it
// also finalizes recipients that have exhausted their 5-attempt budget or
// whose MX resolution came back empty.
func planMXDeliverySessions(status *model.InternalMessageStatus, cfg model.Config) []mxDelivery {
	if cfg.Delivery.Relay != nil {
		all := make([]int, len(status.Recipients))
		for i := range all {
			all[i] = i
		}
		return []mxDelivery{{server: cfg.Delivery.Relay.Host, recipients: all}}
	}

	var deliveries []mxDelivery
	for i := range status.Recipients {
		r := &status.Recipients[i]

		if r.Result.Completed() {
			continue
		}

		if r.Result.State == model.StateDeferred && r.Result.Attempts >= 5 {
			r.Result = model.Failed(fmt.Sprintf("Failed after 5 attempts: %s", r.Result.Reason))
			continue
		}

		if len(r.MXServers) == 0 {
			r.Result = model.Failed("MX records found but none are valid")
			continue
		}

		for _, exchange := range r.MXServers[r.CurrentMX:] {
			idx := -1
			for j, d := range deliveries {
				if d.server == exchange {
					idx = j
					break
				}
			}
			if idx < 0 {
				deliveries = append(deliveries, mxDelivery{server: exchange, recipients: []int{i}})
			} else {
				deliveries[idx].recipients = append(deliveries[idx].recipients, i)
			}
		}
	}
	return deliveries
}
