package mail

import (
	"context"

	"github.com/sirupsen/logrus"
)

// dryRun wraps a Message and only logs mutating operations.
type dryRun struct {
	Message
	ns     Namespace
	logger logrus.FieldLogger
}

// DryRun returns a Message that delegates all read-only operations to m and
// logs copy, move, delete and forward instead of performing them.
func DryRun(m Message, ns Namespace, logger logrus.FieldLogger) Message {
	return &dryRun{
		Message: m,
		ns:      ns,
		logger:  logger.WithField("dry_run", true),
	}
}

func (d *dryRun) Copy(_ context.Context, target Target, _ bool) error {
	d.log().WithField("target", d.ns.Name(target)).Info("Copying")
	return nil
}

func (d *dryRun) Move(_ context.Context, target Target, _ bool) error {
	d.log().WithField("target", d.ns.Name(target)).Info("Moving")
	return nil
}

func (d *dryRun) Delete(context.Context) error {
	d.log().Info("Deleting")
	return nil
}

func (d *dryRun) Forward(_ context.Context, addresses []string, envSender string, deleteOriginal bool) error {
	entry := d.log().WithField("addresses", addresses)
	if envSender != "" {
		entry = entry.WithField("env_sender", envSender)
	}
	if deleteOriginal {
		entry.Info("Forwarding")
	} else {
		entry.Info("Forwarding copy")
	}
	return nil
}

func (d *dryRun) log() logrus.FieldLogger {
	return d.logger.WithFields(logrus.Fields{
		"folder": d.Folder(),
		"id":     d.ID(),
	})
}
