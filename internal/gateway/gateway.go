// Package gateway manages client subscriptions and fans events out to them
// in per-subject order, with a time-bounded replay buffer for reconnects.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"buswatch.org/internal/auth"
	"buswatch.org/internal/clock"
	"buswatch.org/internal/metrics"
	"buswatch.org/internal/models"
	"github.com/bluele/gcache"
)

var (
	// ErrUnknownSubject is returned when a subscription names a bus, route
	// or student that does not exist. No subscription is created.
	ErrUnknownSubject = errors.New("unknown subject")
	ErrForbidden      = errors.New("subject not visible to this session")
	ErrClosed         = errors.New("subscription closed")
	ErrUnknownKind    = errors.New("unknown event kind")
)

// Resolver answers which subjects exist, which a session may follow and
// which students ride a bus.
type Resolver interface {
	Exists(s models.Subject) bool
	Visible(userID string, role models.Role) []models.Subject
	RidersOf(busID string) []string
}

type Config struct {
	// QueueSize bounds each client's delivery queue. Alert-class events may
	// push a queue past the bound; nothing else does.
	QueueSize    int
	ReplayWindow time.Duration
	// SeenIDs is how many delivered event ids are remembered per client.
	SeenIDs int
}

// clientState outlives individual connections so that a reconnecting
// client resumes where it left off.
type clientState struct {
	mu       sync.Mutex
	cursor   map[string]uint64
	seen     gcache.Cache
	active   int
	lastSeen time.Time
}

func (c *clientState) delivered(e models.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.Seq > 0 && e.Seq <= c.cursor[e.Subject.String()] {
		return true
	}
	_, err := c.seen.Get(e.ID)
	return err == nil
}

func (c *clientState) advance(subject string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.cursor[subject] {
		c.cursor[subject] = seq
	}
}

type Gateway struct {
	config   Config
	resolver Resolver
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	nextID    uint64
	bySubject map[string]map[uint64]*Subscription
	wildcard  map[uint64]*Subscription
	replay    map[string][]models.Event
	clients   map[string]*clientState
}

func New(config Config, resolver Resolver, c clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.ReplayWindow <= 0 {
		config.ReplayWindow = 15 * time.Minute
	}
	if config.SeenIDs <= 0 {
		config.SeenIDs = 1024
	}
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config:    config,
		resolver:  resolver,
		clock:     c,
		metrics:   m,
		logger:    logger.With(slog.String("component", "gateway")),
		bySubject: make(map[string]map[uint64]*Subscription),
		wildcard:  make(map[uint64]*Subscription),
		replay:    make(map[string][]models.Event),
		clients:   make(map[string]*clientState),
	}
}

// resolveSubjects parses and authorizes the requested subject ids. An empty
// request means everything the session may see; for admins that is every
// subject and the returned wildcard flag is set.
func (g *Gateway) resolveSubjects(session auth.Session, subjectIDs []string) ([]models.Subject, bool, error) {
	if !session.Role.Valid() {
		return nil, false, fmt.Errorf("%w: role %q", ErrForbidden, session.Role)
	}
	var visible map[models.Subject]bool
	if session.Role != models.RoleAdmin {
		visible = make(map[models.Subject]bool)
		for _, s := range g.resolver.Visible(session.UserID, session.Role) {
			visible[s] = true
		}
	}

	if len(subjectIDs) == 0 {
		if session.Role == models.RoleAdmin {
			return nil, true, nil
		}
		if len(visible) == 0 {
			return nil, false, fmt.Errorf("%w: nothing to follow for %s", ErrUnknownSubject, session.UserID)
		}
		out := make([]models.Subject, 0, len(visible))
		for s := range visible {
			out = append(out, s)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
		return out, false, nil
	}

	out := make([]models.Subject, 0, len(subjectIDs))
	for _, id := range subjectIDs {
		s, err := models.ParseSubject(id)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrUnknownSubject, err)
		}
		if !g.resolver.Exists(s) {
			return nil, false, fmt.Errorf("%w: %s", ErrUnknownSubject, s)
		}
		if visible != nil && !visible[s] {
			return nil, false, fmt.Errorf("%w: %s", ErrForbidden, s)
		}
		out = append(out, s)
	}
	return out, false, nil
}

func validateKinds(kinds []models.EventKind) error {
	for _, k := range kinds {
		if !slices.Contains(models.AllEventKinds, k) {
			return fmt.Errorf("%w: %q", ErrUnknownKind, k)
		}
	}
	return nil
}

// audience lists the subject keys an event is delivered to: its own
// subject, the route it happened on and, for bus events, the students
// riding that bus.
func (g *Gateway) audience(e models.Event) []string {
	keys := []string{e.Subject.String()}
	if e.RouteID != "" {
		if k := models.RouteSubject(e.RouteID).String(); k != keys[0] {
			keys = append(keys, k)
		}
	}
	if e.Subject.Kind == models.SubjectBus {
		for _, id := range g.resolver.RidersOf(e.Subject.ID) {
			keys = append(keys, models.StudentSubject(id).String())
		}
	}
	return keys
}

func (g *Gateway) clientFor(clientID string) *clientState {
	c, ok := g.clients[clientID]
	if !ok {
		c = &clientState{
			cursor: make(map[string]uint64),
			seen:   gcache.New(g.config.SeenIDs).LRU().Build(),
		}
		g.clients[clientID] = c
	}
	return c
}

// Subscribe registers a subscription for the session. kinds narrows the
// event kinds delivered; nil means all. Alert-class events from the replay
// window that the client has not seen are queued first, in creation order.
func (g *Gateway) Subscribe(session auth.Session, subjectIDs []string, kinds []models.EventKind) (*Subscription, error) {
	if err := validateKinds(kinds); err != nil {
		return nil, err
	}
	subjects, all, err := g.resolveSubjects(session, subjectIDs)
	if err != nil {
		return nil, err
	}
	clientID := session.ClientID
	if clientID == "" {
		clientID = session.UserID
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextID++
	client := g.clientFor(clientID)
	client.mu.Lock()
	client.active++
	client.lastSeen = g.clock.Now()
	client.mu.Unlock()

	sub := newSubscription(g, g.nextID, session, client, subjects, all, kinds)
	if all {
		g.wildcard[sub.id] = sub
	}
	for _, s := range subjects {
		key := s.String()
		if g.bySubject[key] == nil {
			g.bySubject[key] = make(map[uint64]*Subscription)
		}
		g.bySubject[key][sub.id] = sub
	}

	var missed []models.Event
	cutoff := g.clock.Now().Add(-g.config.ReplayWindow)
	for _, events := range g.replay {
		for _, e := range events {
			if e.CreatedAt.Before(cutoff) || !sub.wants(e.Kind) || client.delivered(e) {
				continue
			}
			if !all && !sub.followsAny(g.audience(e)) {
				continue
			}
			missed = append(missed, e)
		}
	}
	sort.SliceStable(missed, func(i, j int) bool {
		if !missed[i].CreatedAt.Equal(missed[j].CreatedAt) {
			return missed[i].CreatedAt.Before(missed[j].CreatedAt)
		}
		return missed[i].Seq < missed[j].Seq
	})
	for _, e := range missed {
		sub.enqueue(e)
	}

	g.metrics.SubscriptionOpened()
	g.logger.Info("client subscribed",
		slog.String("client_id", clientID),
		slog.String("role", string(session.Role)),
		slog.Int("subjects", len(subjects)),
		slog.Bool("all", all),
		slog.Int("replayed", len(missed)))
	return sub, nil
}

// Publish delivers e to every subscription following any subject in its
// audience and returns how many accepted it. A subscription following
// several of those subjects gets e once. Alert-class events are also kept
// for replay.
func (g *Gateway) Publish(e models.Event) int {
	keys := g.audience(e)

	g.mu.Lock()
	if e.Kind.IsAlert() {
		g.replay[keys[0]] = append(g.replay[keys[0]], e)
	}
	targets := make(map[uint64]*Subscription, len(g.wildcard))
	for _, key := range keys {
		for id, s := range g.bySubject[key] {
			targets[id] = s
		}
	}
	for id, s := range g.wildcard {
		targets[id] = s
	}
	g.mu.Unlock()

	n := 0
	for _, s := range targets {
		if s.wants(e.Kind) && s.enqueue(e) {
			n++
		}
	}
	return n
}

// Unsubscribe removes the subscription. It is idempotent, and publishes
// racing with it are no-ops.
func (g *Gateway) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.close() {
		return
	}
	g.mu.Lock()
	delete(g.wildcard, sub.id)
	for key := range sub.subjects {
		if m := g.bySubject[key]; m != nil {
			delete(m, sub.id)
			if len(m) == 0 {
				delete(g.bySubject, key)
			}
		}
	}
	g.mu.Unlock()

	sub.client.mu.Lock()
	sub.client.active--
	sub.client.lastSeen = g.clock.Now()
	sub.client.mu.Unlock()

	g.metrics.SubscriptionClosed()
	g.logger.Info("client unsubscribed", slog.String("client_id", sub.session.ClientID))
}

// Prune drops replay entries older than the window and forgets clients that
// have been disconnected for longer than it.
func (g *Gateway) Prune(now time.Time) {
	cutoff := now.Add(-g.config.ReplayWindow)
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, events := range g.replay {
		i := sort.Search(len(events), func(i int) bool { return !events[i].CreatedAt.Before(cutoff) })
		if i == len(events) {
			delete(g.replay, key)
			continue
		}
		g.replay[key] = append([]models.Event(nil), events[i:]...)
	}
	for id, c := range g.clients {
		c.mu.Lock()
		idle := c.active == 0 && c.lastSeen.Before(cutoff)
		c.mu.Unlock()
		if idle {
			delete(g.clients, id)
		}
	}
}

// Stats is a point-in-time view used by the health and debug endpoints.
type Stats struct {
	Subscriptions  int `json:"subscriptions"`
	Clients        int `json:"clients"`
	ReplaySubjects int `json:"replaySubjects"`
	ReplayEvents   int `json:"replayEvents"`
}

func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make(map[uint64]bool, len(g.wildcard))
	for id := range g.wildcard {
		ids[id] = true
	}
	for _, m := range g.bySubject {
		for id := range m {
			ids[id] = true
		}
	}
	st := Stats{Subscriptions: len(ids), Clients: len(g.clients), ReplaySubjects: len(g.replay)}
	for _, events := range g.replay {
		st.ReplayEvents += len(events)
	}
	return st
}

// Subscription is one live client connection's view of the event stream.
type Subscription struct {
	id       uint64
	gateway  *Gateway
	session  auth.Session
	client   *clientState
	subjects map[string]bool
	all      bool
	kinds    map[models.EventKind]bool

	mu     sync.Mutex
	queue  []models.Event
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newSubscription(g *Gateway, id uint64, session auth.Session, client *clientState, subjects []models.Subject, all bool, kinds []models.EventKind) *Subscription {
	s := &Subscription{
		id:       id,
		gateway:  g,
		session:  session,
		client:   client,
		subjects: make(map[string]bool, len(subjects)),
		all:      all,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, subj := range subjects {
		s.subjects[subj.String()] = true
	}
	if len(kinds) > 0 {
		s.kinds = make(map[models.EventKind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	return s
}

func (s *Subscription) Session() auth.Session { return s.session }

// Subjects returns the followed subjects in sorted order. It is empty for an
// admin following everything.
func (s *Subscription) Subjects() []string {
	out := make([]string, 0, len(s.subjects))
	for k := range s.subjects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Subscription) wants(kind models.EventKind) bool {
	return s.kinds == nil || s.kinds[kind]
}

func (s *Subscription) follows(subject models.Subject) bool {
	return s.all || s.subjects[subject.String()]
}

func (s *Subscription) followsAny(keys []string) bool {
	for _, k := range keys {
		if s.subjects[k] {
			return true
		}
	}
	return false
}

// enqueue applies de-duplication and the backpressure policy. It reports
// whether e was queued.
func (s *Subscription) enqueue(e models.Event) bool {
	if s.client.delivered(e) {
		return false
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	for _, q := range s.queue {
		if q.ID == e.ID {
			s.mu.Unlock()
			return false
		}
	}

	if len(s.queue) >= s.gateway.config.QueueSize {
		if i := s.oldestDroppable(e.Subject); i >= 0 {
			dropped := s.queue[i]
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.gateway.metrics.DeliveryDropped(string(dropped.Kind))
		} else if !e.Kind.IsAlert() {
			s.mu.Unlock()
			s.gateway.metrics.DeliveryDropped(string(e.Kind))
			return false
		} else {
			s.gateway.logger.Warn("delivery queue over bound, alert retained",
				slog.String("client_id", s.session.ClientID),
				slog.Int("queued", len(s.queue)+1),
				slog.String("event_id", e.ID))
		}
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// oldestDroppable returns the index of the oldest non-alert event, preferring
// one about the same subject, or -1.
func (s *Subscription) oldestDroppable(subject models.Subject) int {
	fallback := -1
	for i, q := range s.queue {
		if q.Kind.IsAlert() {
			continue
		}
		if q.Subject == subject {
			return i
		}
		if fallback < 0 {
			fallback = i
		}
	}
	return fallback
}

// Next blocks until an event is available, the subscription is closed or
// ctx is done. The caller must call Delivered once the event has been
// written to the client.
func (s *Subscription) Next(ctx context.Context) (models.Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return models.Event{}, ErrClosed
		}
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return models.Event{}, ctx.Err()
		}
	}
}

// Delivered records that e reached the client, so it is never sent to this
// client id again. The per-subject cursor only moves for unfiltered
// subscriptions that follow e's own subject; anything else may have skipped
// events a later subscription still owes the client.
func (s *Subscription) Delivered(e models.Event) {
	_ = s.client.seen.Set(e.ID, struct{}{})
	if s.kinds == nil && s.follows(e.Subject) {
		s.client.advance(e.Subject.String(), e.Seq)
	}
}

// Ack records the client's confirmation of everything up to seq on subject.
func (s *Subscription) Ack(subject string, seq uint64) error {
	subj, err := models.ParseSubject(subject)
	if err != nil {
		return err
	}
	s.client.advance(subj.String(), seq)
	return nil
}

// Pending returns the number of queued events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	return true
}
