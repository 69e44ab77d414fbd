package api

import "context"

// publishJSON mirrors an API-side event onto the bus. Publishing is advisory:
// a bus failure is logged and the request proceeds.
func (a *API) publishJSON(ctx context.Context, subject string, payload any) {
	if a.store.Bus == nil || subject == "" {
		return
	}
	if err := a.store.Bus.Publish(ctx, subject, payload); err != nil {
		a.logger.Printf("WARN publish %s: %v", subject, err)
	}
}
