package engine

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aegisfin/calsync/internal/provider"
	"github.com/aegisfin/calsync/internal/store"
)

// markerProperty is the private extended-property key that round-trips the
// local event ID through the provider. It is how the engine recognizes its
// own events when a mapping has been lost.
const markerProperty = "finEventId"

const defaultEventDuration = time.Hour

// buildRemoteEvent converts a local financial event into its provider
// representation. Amount and category appear only when the user opted into
// IncludeFinancialAmounts; otherwise they are structurally absent from the
// payload, not blanked.
func buildRemoteEvent(settings *store.SyncSettings, ev *store.FinancialEvent) *provider.RemoteEvent {
	remote := &provider.RemoteEvent{
		Summary: ev.Title,
		Start:   ev.StartsAt,
		PrivateProperties: map[string]string{
			markerProperty: ev.ID,
		},
	}

	if ev.EndsAt != nil && ev.EndsAt.After(ev.StartsAt) {
		remote.End = *ev.EndsAt
	} else {
		remote.End = ev.StartsAt.Add(defaultEventDuration)
	}

	if settings.IncludeFinancialAmounts {
		remote.Description = financialDescription(ev)
	}
	return remote
}

func financialDescription(ev *store.FinancialEvent) string {
	lines := []string{"Valor: " + formatBRL(ev.Amount)}
	if ev.Category != "" {
		lines = append(lines, "Categoria: "+ev.Category)
	}
	return strings.Join(lines, "\n")
}

// formatBRL renders an amount in Brazilian currency notation, e.g.
// "R$ 1500,00".
func formatBRL(amount decimal.Decimal) string {
	return "R$ " + strings.Replace(amount.StringFixed(2), ".", ",", 1)
}
