// Package tasks declares which consumers replicate which object types.
package tasks

import (
	"io"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/ignatij/replog/internal/config"
	"github.com/ignatij/replog/pkg/consumer"
	"github.com/ignatij/replog/pkg/service"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	IndexSync   = "IndexSync"
	AuditExport = "AuditExport"
)

const defaultAuditPath = "replog-audit.jsonl"

// Declared entity types per task. Configuration may narrow these but never widen them.
var (
	IndexSyncTypes   = []string{"Contact", "Domain", "Host"}
	AuditExportTypes = []string{"Contact", "Domain", "Host", "Registrar"}
)

// Register declares the built-in tasks on reg and applies configured policies.
// The returned closer releases consumer resources such as the audit file.
func Register(reg *service.Registry, cfg *config.Config, logger logrus.FieldLogger) (io.Closer, error) {
	var indexer service.Consumer
	if url := cfg.TaskOption(IndexSync, "url", ""); url != "" {
		var opts []consumer.WebhookOption
		if token := cfg.TaskOption(IndexSync, "token", ""); token != "" {
			opts = append(opts, consumer.WithHeader("Authorization", "Bearer "+token))
		}
		indexer = consumer.NewWebhook(url, opts...)
	} else {
		logger.WithField("task", IndexSync).Warn("No tasks.IndexSync.options.url configured; logging entries instead")
		indexer = consumer.NewLogging(logger.WithField("task", IndexSync))
	}
	audit := consumer.NewAuditFile(cfg.TaskOption(AuditExport, "path", defaultAuditPath))

	if err := reg.Register(IndexSync, indexer, IndexSyncTypes); err != nil {
		return nil, err
	}
	if err := reg.Register(AuditExport, audit, AuditExportTypes); err != nil {
		return nil, err
	}
	if err := Apply(reg, cfg); err != nil {
		return nil, err
	}
	return audit, nil
}

// Apply pushes configured policies onto every registered task and reports
// config sections naming unknown tasks.
func Apply(reg *service.Registry, cfg *config.Config) error {
	var errs *multierror.Error
	for name := range cfg.Tasks {
		if !slices.ContainsFunc(reg.Names(), func(n string) bool { return strings.EqualFold(n, name) }) {
			errs = multierror.Append(errs, errors.Errorf("config names unknown task '%s' (known: %s)", name, strings.Join(reg.Names(), ", ")))
		}
	}
	for _, name := range reg.Names() {
		if err := reg.Configure(name, cfg.Policy(name), cfg.EntityTypes(name)); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
