// Package courier implements various couriers for delivering messages.
package courier

import "context"

// Courier delivers mail to a single recipient.
// It is implemented by different couriers, for both local and remote
// recipients.
type Courier interface {
	// Deliver mail to a recipient. Return the error (if any), and whether it
	// is permanent (true) or transient (false).
	Deliver(ctx context.Context, from string, to string, data []byte) (error, bool)
}

// Router dispatches Deliver to Local or Remote depending on the
// recipient's domain, so a queue only needs to know about one Courier
// regardless of how many concrete delivery mechanisms are configured.
type Router struct {
	Local        Courier
	Remote       Courier
	LocalDomains map[string]bool
}

func (r *Router) Deliver(ctx context.Context, from, to string, data []byte) (error, bool) {
	domain := domainOf(to)
	if r.LocalDomains[domain] {
		return r.Local.Deliver(ctx, from, to, data)
	}
	return r.Remote.Deliver(ctx, from, to, data)
}

func domainOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[i+1:]
		}
	}
	return ""
}
