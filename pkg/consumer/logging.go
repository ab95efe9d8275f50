package consumer

import (
	"context"

	"github.com/ignatij/replog/pkg/service"
	"github.com/sirupsen/logrus"
)

// Logging writes one info line per entry. Useful to watch a pipeline drain
// before a real consumer is wired.
type Logging struct {
	logger logrus.FieldLogger
}

func NewLogging(logger logrus.FieldLogger) *Logging {
	return &Logging{logger: logger}
}

func (l *Logging) Consume(ctx context.Context, batch service.Batch) error {
	for _, e := range batch.Entries {
		l.logger.WithFields(logrus.Fields{
			"task":          batch.Task,
			"object_type":   e.ObjectType,
			"object_id":     e.ObjectID,
			"mutation_kind": e.MutationKind,
			"entry_id":      e.ID,
		}).Info("Change replicated")
	}
	return nil
}
