package registry

import (
	"fmt"
	"time"

	"fundsettle/internal/fault"
	"fundsettle/internal/models"
	"fundsettle/pkg/utils"
)

// ============ Реконфигурация ============

// CreateReconfigurationRequest привязывает к фонду новый роутер того же релиза
//
// Роутер остаётся неактивированным до ExecuteReconfiguration, срок
// исполнения - now + таймлок реконфигурации релиза.
func (r *Registry) CreateReconfigurationRequest(caller, vaultAddr models.Address, cfg models.FundConfig) (models.PendingRequest, error) {
	entry, err := r.assertMigrator(caller, vaultAddr)
	if err != nil {
		return models.PendingRequest{}, err
	}
	key := requestKey{vaultAddr, models.RequestReconfiguration}
	if _, exists := r.state.pending[key]; exists {
		return models.PendingRequest{}, fault.ErrPendingRequestExists
	}
	// Ожидающая миграция уже меняет роутер фонда
	if _, migrating := r.state.pending[requestKey{vaultAddr, models.RequestMigration}]; migrating {
		return models.PendingRequest{}, fmt.Errorf("%w: migration pending", fault.ErrPendingRequestExists)
	}
	if err := validateConfig(cfg); err != nil {
		return models.PendingRequest{}, err
	}
	rel, ok := r.state.releases[entry.release]
	if !ok {
		return models.PendingRequest{}, fmt.Errorf("%w: %s", fault.ErrUnknownRelease, entry.release)
	}

	var req models.PendingRequest
	err = r.env.Atomic(func() error {
		next, err := r.deployPendingRouter(entry, entry.release, cfg)
		if err != nil {
			return err
		}
		now := r.env.Now()
		req = models.PendingRequest{
			Kind:                models.RequestReconfiguration,
			Vault:               vaultAddr,
			NextAccessor:        next.Address(),
			NextRelease:         entry.release,
			ExecutableTimestamp: now.Add(rel.ReconfigurationTimelock),
			CreatedAt:           now,
		}
		r.state.pending[key] = pendingEntry{request: req, router: next}
		r.emitRequest(models.EventReconfigurationCreated, req, nil)
		return nil
	})
	if err != nil {
		return models.PendingRequest{}, err
	}
	return req, nil
}

// ExecuteReconfiguration уничтожает текущий роутер и активирует ожидающий
func (r *Registry) ExecuteReconfiguration(caller, vaultAddr models.Address) error {
	entry, err := r.assertMigrator(caller, vaultAddr)
	if err != nil {
		return err
	}
	key := requestKey{vaultAddr, models.RequestReconfiguration}
	pending, ok := r.state.pending[key]
	if !ok {
		return fault.ErrNoPendingRequest
	}
	if !pending.request.IsExecutable(r.env.Now()) {
		return fmt.Errorf("%w: executable at %s (in %s)",
			fault.ErrReconfigurationTimelockNotElapsed, pending.request.ExecutableTimestamp.Format(time.RFC3339),
			utils.FormatDuration(utils.Remaining(pending.request.ExecutableTimestamp, r.env.Now())))
	}
	if entry.release != pending.request.NextRelease {
		return fmt.Errorf("%w: fund moved from %s to %s",
			fault.ErrNoLongerOnThisRelease, pending.request.NextRelease, entry.release)
	}

	return r.env.Atomic(func() error {
		prev := entry.router.Address()
		if err := r.switchAccessor(entry, pending.router, false); err != nil {
			return err
		}
		entry.router = pending.router
		r.state.funds[vaultAddr] = entry
		delete(r.state.pending, key)
		r.emitRequest(models.EventReconfigurationExecuted, pending.request, map[string]interface{}{
			"prev_accessor": prev,
		})
		return nil
	})
}

// CancelReconfiguration уничтожает ожидающий роутер и удаляет запрос
func (r *Registry) CancelReconfiguration(caller, vaultAddr models.Address) error {
	return r.cancel(caller, vaultAddr, models.RequestReconfiguration, models.EventReconfigurationCancelled)
}

// ============ Миграция ============

// CreateMigrationRequest привязывает к фонду роутер текущего релиза
//
// Срок исполнения - now + таймлок миграции протокола.
func (r *Registry) CreateMigrationRequest(caller, vaultAddr models.Address, cfg models.FundConfig) (models.PendingRequest, error) {
	entry, err := r.assertMigrator(caller, vaultAddr)
	if err != nil {
		return models.PendingRequest{}, err
	}
	key := requestKey{vaultAddr, models.RequestMigration}
	if _, exists := r.state.pending[key]; exists {
		return models.PendingRequest{}, fault.ErrPendingRequestExists
	}
	if err := validateConfig(cfg); err != nil {
		return models.PendingRequest{}, err
	}
	release := r.state.currentRelease
	if release == "" {
		return models.PendingRequest{}, fmt.Errorf("%w: no current release", fault.ErrUnknownRelease)
	}
	if release == entry.release {
		return models.PendingRequest{}, fmt.Errorf("%w: fund is already on release %s", fault.ErrInvalidArgs, release)
	}

	var req models.PendingRequest
	err = r.env.Atomic(func() error {
		next, err := r.deployPendingRouter(entry, release, cfg)
		if err != nil {
			return err
		}
		now := r.env.Now()
		req = models.PendingRequest{
			Kind:                models.RequestMigration,
			Vault:               vaultAddr,
			NextAccessor:        next.Address(),
			NextRelease:         release,
			ExecutableTimestamp: now.Add(r.state.migrationTimelock),
			CreatedAt:           now,
		}
		r.state.pending[key] = pendingEntry{request: req, router: next}
		r.emitRequest(models.EventMigrationCreated, req, map[string]interface{}{
			"prev_release": entry.release,
		})
		return nil
	})
	if err != nil {
		return models.PendingRequest{}, err
	}
	return req, nil
}

// ExecuteMigration переводит фонд на роутер нового релиза
//
// bypassFailure разрешает завершить миграцию, даже если старый роутер
// не смог рассчитать комиссии при уничтожении.
func (r *Registry) ExecuteMigration(caller, vaultAddr models.Address, bypassFailure bool) error {
	entry, err := r.assertMigrator(caller, vaultAddr)
	if err != nil {
		return err
	}
	key := requestKey{vaultAddr, models.RequestMigration}
	pending, ok := r.state.pending[key]
	if !ok {
		return fault.ErrNoPendingRequest
	}
	if !pending.request.IsExecutable(r.env.Now()) {
		return fmt.Errorf("%w: executable at %s (in %s)",
			fault.ErrMigrationTimelockNotElapsed, pending.request.ExecutableTimestamp.Format(time.RFC3339),
			utils.FormatDuration(utils.Remaining(pending.request.ExecutableTimestamp, r.env.Now())))
	}
	if pending.request.NextRelease != r.state.currentRelease {
		return fmt.Errorf("%w: request targets %s, current is %s",
			fault.ErrNotCurrentRelease, pending.request.NextRelease, r.state.currentRelease)
	}

	return r.env.Atomic(func() error {
		prev := entry.router.Address()
		prevRelease := entry.release
		if err := r.switchAccessor(entry, pending.router, bypassFailure); err != nil {
			return err
		}
		entry.router = pending.router
		entry.release = pending.request.NextRelease
		r.state.funds[vaultAddr] = entry
		delete(r.state.pending, key)
		r.emitRequest(models.EventMigrationExecuted, pending.request, map[string]interface{}{
			"prev_accessor":  prev,
			"prev_release":   prevRelease,
			"bypass_failure": bypassFailure,
		})
		return nil
	})
}

// CancelMigration уничтожает ожидающий роутер миграции и удаляет запрос
func (r *Registry) CancelMigration(caller, vaultAddr models.Address) error {
	return r.cancel(caller, vaultAddr, models.RequestMigration, models.EventMigrationCancelled)
}

func (r *Registry) cancel(caller, vaultAddr models.Address, kind models.RequestKind, eventType string) error {
	if _, err := r.assertMigrator(caller, vaultAddr); err != nil {
		return err
	}
	key := requestKey{vaultAddr, kind}
	pending, ok := r.state.pending[key]
	if !ok {
		return fault.ErrNoPendingRequest
	}

	return r.env.Atomic(func() error {
		if err := pending.router.DestructUnactivated(r.address); err != nil {
			return err
		}
		delete(r.state.pending, key)
		r.emitRequest(eventType, pending.request, nil)
		return nil
	})
}
