// Package session ties identity, connectivity, watchers and the mutation
// queue into one sync session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/tasksync/internal/cache"
	"github.com/TheMichaelB/tasksync/internal/connectivity"
	"github.com/TheMichaelB/tasksync/internal/events"
	"github.com/TheMichaelB/tasksync/internal/identity"
	"github.com/TheMichaelB/tasksync/internal/models"
	"github.com/TheMichaelB/tasksync/internal/queue"
	"github.com/TheMichaelB/tasksync/internal/remote"
	"github.com/TheMichaelB/tasksync/internal/watcher"
)

// DefaultWriteTimeout bounds every write attempt.
const DefaultWriteTimeout = 15 * time.Second

// TokenSetter is implemented by remote stores that authenticate as the
// signed-in identity.
type TokenSetter interface {
	SetToken(token string)
}

// Options holds the session's collaborators and tuning.
type Options struct {
	Remote   remote.Store
	Cache    *cache.Adapter
	Gate     *connectivity.Gate
	Identity identity.Provider

	// Plan defaults to DefaultPlan.
	Plan QueryPlan

	WriteTimeout time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration

	// PersistQueue saves each identity's queue through Cache.
	PersistQueue bool
}

// Session is the sync engine. It runs watchers while an identity is signed
// in, routes writes, and replays queued writes when connectivity returns.
type Session struct {
	remote       remote.Store
	cache        *cache.Adapter
	gate         *connectivity.Gate
	provider     identity.Provider
	plan         QueryPlan
	writeTimeout time.Duration
	maxAttempts  int
	retryDelay   time.Duration
	persist      bool
	logger       *events.Logger
	clock        func() time.Time

	watchers map[models.Collection]*watcher.Watcher
	states   *events.Broadcaster[models.SessionState]
	errs     *events.Broadcaster[error]

	// transition serializes identity changes, connectivity handling and
	// resyncs.
	transition sync.Mutex

	mu          sync.RWMutex
	status      models.Status
	started     bool
	closed      bool
	offline     bool
	identity    *identity.Identity
	queue       *queue.Queue
	queues      map[string]*queue.Queue
	active      []models.Collection
	lastErr     string
	changedAt   time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	identityCtx context.Context
	signOutFn   context.CancelFunc
	// onlineCtx lives while signed in and online; drains run under it.
	onlineCtx context.Context
	offlineFn context.CancelFunc
	wg          sync.WaitGroup
}

// New creates an idle session.
func New(opts Options, logger *events.Logger) *Session {
	if opts.Plan == nil {
		opts.Plan = DefaultPlan
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = queue.DefaultMaxAttempts
	}

	s := &Session{
		remote:       opts.Remote,
		cache:        opts.Cache,
		gate:         opts.Gate,
		provider:     opts.Identity,
		plan:         opts.Plan,
		writeTimeout: opts.WriteTimeout,
		maxAttempts:  opts.MaxAttempts,
		retryDelay:   opts.RetryDelay,
		persist:      opts.PersistQueue,
		logger:       logger.WithField("component", "sync_session"),
		clock:        time.Now,
		watchers:     make(map[models.Collection]*watcher.Watcher),
		states:       events.NewBroadcaster[models.SessionState](16),
		errs:         events.NewBroadcaster[error](32),
		status:       models.StatusIdle,
		offline:      true,
		queues:       make(map[string]*queue.Queue),
	}

	for _, c := range models.AllCollections() {
		w := watcher.New(c, opts.Remote, opts.Cache, logger)
		w.SetErrorHandler(s.reportSubscription)
		s.watchers[c] = w
	}

	return s
}

// Start hydrates collections from the cache and begins following identity
// and connectivity. An InitializationError moves the session to the error
// state; it is returned and also published on Errors.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return models.ErrSessionStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.setStatus(models.StatusInitializing)

	if err := s.initialize(); err != nil {
		s.fail(err)
		return err
	}

	s.setStatus(models.StatusReady)
	return nil
}

func (s *Session) initialize() error {
	switch {
	case s.cache == nil:
		return &models.InitializationError{Phase: "cache", Err: errors.New("local cache is not configured")}
	case s.remote == nil:
		return &models.InitializationError{Phase: "remote", Err: errors.New("remote store is not configured")}
	case s.gate == nil:
		return &models.InitializationError{Phase: "connectivity", Err: errors.New("connectivity gate is not configured")}
	case s.provider == nil:
		return &models.InitializationError{Phase: "identity", Err: errors.New("identity provider is not configured")}
	}

	for _, c := range models.AllCollections() {
		if err := s.watchers[c].Hydrate(); err != nil {
			return &models.InitializationError{Phase: "hydrate", Err: err}
		}
	}

	changes, _ := s.gate.OnChange(s.ctx)
	s.gate.Start(s.ctx)

	ids, err := s.provider.Subscribe(s.ctx)
	if err != nil {
		return &models.InitializationError{Phase: "identity", Err: err}
	}

	s.mu.Lock()
	s.offline = !s.gate.Current()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ids, changes)

	return nil
}

func (s *Session) loop(ids <-chan *identity.Identity, changes <-chan bool) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case id, ok := <-ids:
			if !ok {
				s.logger.Warn("Identity provider stream ended")
				ids = nil
				continue
			}
			s.handleIdentity(id)
		case online, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.handleConnectivity(online)
		}
	}
}

func (s *Session) handleIdentity(id *identity.Identity) {
	s.transition.Lock()
	defer s.transition.Unlock()

	if id != nil && id.IsExpired(s.clock()) {
		s.logger.WithField("identity", id.Subject).Warn("Identity expired, treating as signed out")
		id = nil
	}

	s.mu.RLock()
	current := s.identity
	s.mu.RUnlock()

	switch {
	case identity.Same(current, id):
	case id == nil:
		s.signOut()
	case current != nil && current.Subject == id.Subject:
		s.refresh(id)
	default:
		if current != nil {
			s.signOut()
		}
		s.signIn(id)
	}
}

func (s *Session) signIn(id *identity.Identity) {
	logger := s.logger.WithField("identity", id.Subject)
	logger.Info("Signed in, starting sync")

	s.setToken(id.Token)
	q := s.queueFor(id.Subject)

	s.mu.Lock()
	s.identity = id
	s.queue = q
	ctx := events.WithIdentity(events.WithLogger(s.ctx, s.logger), id.Subject)
	s.identityCtx, s.signOutFn = context.WithCancel(ctx)
	if !s.offline {
		s.onlineCtx, s.offlineFn = context.WithCancel(s.identityCtx)
	}
	s.mu.Unlock()

	s.setStatus(models.StatusSyncing)

	for _, c := range models.AllCollections() {
		w := s.watchers[c]
		if owner := w.State().Owner; owner != "" && owner != id.Subject {
			logger.WithFields(map[string]interface{}{
				"collection": c,
				"owner":      owner,
			}).Info("Dropping cached snapshot of another identity")
			w.Clear()
		}
	}

	active := s.startWatchers(id.Subject)

	s.mu.Lock()
	s.active = active
	offline := s.offline
	s.mu.Unlock()

	s.setStatus(models.StatusActive)

	if !offline && q.Len() > 0 {
		s.drain(q)
	}
}

func (s *Session) signOut() {
	s.mu.Lock()
	subject := ""
	if s.identity != nil {
		subject = s.identity.Subject
	}
	cancel := s.signOutFn
	s.mu.Unlock()

	s.logger.WithField("identity", subject).Info("Signed out, stopping sync")

	if cancel != nil {
		cancel()
	}
	for _, w := range s.watchers {
		w.Stop()
		w.Clear()
	}

	s.mu.Lock()
	s.identity = nil
	s.queue = nil
	s.active = nil
	s.identityCtx = nil
	s.signOutFn = nil
	s.onlineCtx = nil
	s.offlineFn = nil
	s.mu.Unlock()

	s.setToken("")
	s.setStatus(models.StatusIdle)
}

// refresh handles a new token for the signed-in subject.
func (s *Session) refresh(id *identity.Identity) {
	s.logger.WithField("identity", id.Subject).Info("Identity refreshed, resubscribing")

	// Changing the token drops the subscription connection; stop first so
	// the watchers do not report it as lost.
	for _, w := range s.watchers {
		w.Stop()
	}
	s.setToken(id.Token)

	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()

	active := s.startWatchers(id.Subject)

	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
	s.publishState()
}

func (s *Session) handleConnectivity(online bool) {
	s.transition.Lock()
	defer s.transition.Unlock()

	s.mu.Lock()
	if s.offline == !online {
		s.mu.Unlock()
		return
	}
	s.offline = !online
	q := s.queue
	id := s.identity
	switch {
	case !online && s.offlineFn != nil:
		s.offlineFn()
		s.onlineCtx, s.offlineFn = nil, nil
	case online && s.identityCtx != nil:
		s.onlineCtx, s.offlineFn = context.WithCancel(s.identityCtx)
	}
	s.mu.Unlock()

	s.logger.WithField("online", online).Info("Connectivity changed")
	s.publishState()

	if !online || id == nil {
		return
	}

	if q.Len() > 0 {
		s.drain(q)
	}
	s.resubscribeFailed(id.Subject)
}

// startWatchers starts every planned watcher concurrently and returns the
// collections that are being watched.
func (s *Session) startWatchers(subject string) []models.Collection {
	s.mu.RLock()
	ctx := s.identityCtx
	s.mu.RUnlock()

	plan := s.plan(subject)

	var (
		g       errgroup.Group
		mu      sync.Mutex
		started []models.Collection
	)

	for _, c := range models.AllCollections() {
		w := s.watchers[c]
		queries := plan[c]
		if len(queries) == 0 {
			w.Stop()
			continue
		}

		g.Go(func() error {
			if err := w.Start(ctx, subject, queries); err != nil {
				err = fmt.Errorf("start %s watcher: %w", c, err)
				s.report(err)
				return err
			}
			mu.Lock()
			started = append(started, c)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.WithError(err).Warn("Not every watcher started")
	}

	sort.Slice(started, func(i, j int) bool { return started[i] < started[j] })
	return started
}

func (s *Session) resubscribeFailed(subject string) {
	s.mu.RLock()
	ctx := s.identityCtx
	s.mu.RUnlock()

	for _, c := range models.AllCollections() {
		w := s.watchers[c]
		if len(w.Failed()) == 0 {
			continue
		}
		s.logger.WithField("collection", c).Info("Resubscribing failed watcher")
		if err := w.Start(ctx, subject, w.Queries()); err != nil {
			s.report(err)
		}
	}
}

// ForceResync stops and restarts every watcher. It does nothing while
// signed out.
func (s *Session) ForceResync() {
	s.transition.Lock()
	defer s.transition.Unlock()

	s.mu.RLock()
	id := s.identity
	closed := s.closed
	s.mu.RUnlock()

	if id == nil || closed {
		return
	}

	s.logger.Info("Forcing resync")
	s.setStatus(models.StatusSyncing)

	for _, w := range s.watchers {
		w.Stop()
	}
	active := s.startWatchers(id.Subject)

	s.mu.Lock()
	s.active = active
	s.mu.Unlock()

	s.setStatus(models.StatusActive)
}

func (s *Session) queueFor(subject string) *queue.Queue {
	s.mu.RLock()
	q, ok := s.queues[subject]
	s.mu.RUnlock()
	if ok {
		return q
	}

	opts := queue.Options{
		Identity:     subject,
		MaxAttempts:  s.maxAttempts,
		RetryDelay:   s.retryDelay,
		OnDeadLetter: s.reportDeadLetter,
	}
	if s.persist {
		opts.Adapter = s.cache
	}

	q, err := queue.Restore(opts, s.logger)
	if err != nil {
		s.report(err)
		q = queue.New(opts, s.logger)
	}

	s.mu.Lock()
	s.queues[subject] = q
	s.mu.Unlock()

	return q
}

// drain replays q in the background while online. Concurrent triggers
// coalesce inside the queue; going offline or signing out cancels it.
func (s *Session) drain(q *queue.Queue) {
	s.mu.Lock()
	if s.closed || s.onlineCtx == nil {
		s.mu.Unlock()
		return
	}
	ctx := s.onlineCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if stats := q.Drain(ctx, s.send); !stats.Coalesced {
			s.publishState()
		}
	}()
}

// send makes one bounded write attempt for a queued operation. The
// operation ID is the request ID, so the remote applies a replay at most
// once.
func (s *Session) send(ctx context.Context, op *models.PendingOperation) error {
	ctx = events.WithRequestID(ctx, op.ID)
	ctx = events.WithCollection(ctx, string(op.Collection))
	events.FromContext(ctx).WithField("attempt", op.Attempts+1).Debug("Replaying operation")
	return s.writeRemote(ctx, op.Mutation)
}

func (s *Session) writeRemote(ctx context.Context, m models.Mutation) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	if err := s.remote.Write(ctx, m); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", models.ErrWriteTimeout, err)
		}
		return &models.WriteError{Mutation: m, Err: err}
	}
	return nil
}

func (s *Session) setToken(token string) {
	if setter, ok := s.remote.(TokenSetter); ok {
		setter.SetToken(token)
	}
}

func (s *Session) reportSubscription(err *models.SubscriptionError) {
	s.report(err)
}

func (s *Session) reportDeadLetter(err *models.QueueExhaustedError) {
	s.report(err)
	s.publishState()
}

func (s *Session) report(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()

	s.errs.Publish(err)
}

func (s *Session) fail(err error) {
	s.logger.WithError(err).Error("Sync session failed")

	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()

	s.errs.Publish(err)
	s.setStatus(models.StatusError)
}

func (s *Session) setStatus(status models.Status) {
	s.mu.Lock()
	prev := s.status
	s.status = status
	s.mu.Unlock()

	if prev != status {
		s.logger.WithFields(map[string]interface{}{
			"from": prev,
			"to":   status,
		}).Info("Status changed")
	}
	s.publishState()
}

func (s *Session) publishState() {
	s.mu.Lock()
	s.changedAt = s.clock().UTC()
	s.mu.Unlock()

	s.states.Publish(s.State())
}

// State returns the current session state.
func (s *Session) State() models.SessionState {
	s.mu.RLock()
	state := models.SessionState{
		Status:            s.status,
		IsOffline:         s.offline,
		ActiveCollections: append([]models.Collection{}, s.active...),
		LastError:         s.lastErr,
	}
	if s.identity != nil {
		state.Identity = s.identity.Subject
	}
	q := s.queue
	state.ChangedAt = s.changedAt
	s.mu.RUnlock()

	if q != nil {
		state.PendingWrites = q.Len()
		state.DeadLetters = len(q.DeadLetters())
	}
	return state
}

// Status returns the coarse lifecycle status.
func (s *Session) Status() models.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsOffline reports the last known connectivity.
func (s *Session) IsOffline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offline
}

// Collection returns the current state of c, or nil for an unknown
// collection.
func (s *Session) Collection(c models.Collection) *models.CollectionState {
	w, ok := s.watchers[c]
	if !ok {
		return nil
	}
	return w.State()
}

// Watch streams committed states of c. Slow readers only see the newest.
func (s *Session) Watch(ctx context.Context, c models.Collection) (<-chan *models.CollectionState, func(), error) {
	w, ok := s.watchers[c]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", models.ErrUnknownCollection, c)
	}
	ch, cancel := w.Watch(ctx)
	return ch, cancel, nil
}

// StateChanges streams session state after every change.
func (s *Session) StateChanges(ctx context.Context) (<-chan models.SessionState, func()) {
	return s.states.Subscribe(ctx)
}

// Errors streams reported failures. Use models.IsUserVisible to pick the
// ones a user must see.
func (s *Session) Errors(ctx context.Context) (<-chan error, func()) {
	return s.errs.Subscribe(ctx)
}

// Close stops all work. A closed session cannot be restarted.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	for _, w := range s.watchers {
		w.Close()
	}
	if started && s.gate != nil {
		s.gate.Stop()
	}

	s.mu.Lock()
	s.identity = nil
	s.queue = nil
	s.active = nil
	s.mu.Unlock()

	s.setStatus(models.StatusIdle)
	s.states.Close()
	s.errs.Close()

	s.logger.Info("Sync session closed")
	return nil
}
