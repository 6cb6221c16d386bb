package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/patchplan/patchplan/internal/coordinator"
	"github.com/patchplan/patchplan/internal/models"
	"github.com/patchplan/patchplan/internal/observability/logging"
)

// Notifier posts plan state changes to a webhook URL so dashboards can
// observe applied/rolled-back transitions without polling. Delivery is
// best effort: failures are logged, never propagated into the
// transition that triggered them.
type Notifier struct {
	URL    string
	Client *http.Client
	Log    logging.Logger
}

// webhookPayload is the delivery envelope.
type webhookPayload struct {
	Event models.PlanEvent        `json:"event"`
	Plan  *models.RemediationPlan `json:"plan"`
}

// Observer adapts the notifier to the coordinator's observer hook.
func (n *Notifier) Observer() coordinator.Observer {
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return func(ev models.PlanEvent, plan *models.RemediationPlan) {
		if n.URL == "" {
			return
		}

		body, err := json.Marshal(webhookPayload{Event: ev, Plan: plan})
		if err != nil {
			return
		}

		// A slow endpoint must not stall the transition that
		// triggered the notification.
		go n.deliver(client, body, ev)
	}
}

func (n *Notifier) deliver(client *http.Client, body []byte, ev models.PlanEvent) {
	resp, err := client.Post(n.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		if n.Log != nil {
			n.Log.Warn("webhook", "delivery failed",
				"plan_id", ev.PlanID, "to", string(ev.To), "error", err.Error())
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && n.Log != nil {
		n.Log.Warn("webhook", "delivery rejected",
			"plan_id", ev.PlanID, "status", resp.StatusCode)
	}
}
