package service

import (
	"log"
	"time"

	"github.com/ebuilderhost/provisioner/internal/models"
)

// LogNotifier writes notifications to the process log. The delivery
// channel (email, chat) is deployment-specific and sits behind the
// Notifier interface; this implementation is the default and the fallback.
type LogNotifier struct {
	baseDomain string
}

func NewLogNotifier(baseDomain string) *LogNotifier {
	return &LogNotifier{baseDomain: baseDomain}
}

func (n *LogNotifier) InstanceRunning(inst *models.Instance, adminPassword string) {
	log.Printf("[Notify] Welcome: %s is live at https://%s (admin: %s)",
		inst.SiteName, inst.FullHost(n.baseDomain), inst.AdminEmail)
}

func (n *LogNotifier) InstanceFailed(inst *models.Instance, reason string) {
	log.Printf("[Notify] ALERT: instance %s (%s) failed: %s", inst.ID, inst.Subdomain, reason)
}

func (n *LogNotifier) InstanceUnhealthy(inst *models.Instance, since time.Time) {
	log.Printf("[Notify] ALERT: instance %s (%s) unhealthy since %s",
		inst.ID, inst.Subdomain, since.Format(time.RFC3339))
}

func (n *LogNotifier) OrphanContainers(ids []string) {
	log.Printf("[Notify] ALERT: %d managed containers have no instance record: %v", len(ids), ids)
}
