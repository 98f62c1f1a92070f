package robot

import (
	"sync"
)

// queueSize bounds how many samples of one kind may wait for delivery before
// Publish blocks the producer.
const queueSize = 64

// Feed fans telemetry samples out to registered handlers. Samples of one
// kind are delivered strictly in publish order by a dedicated goroutine, so a
// handler never runs concurrently with itself; different kinds are delivered
// independently of each other.
type Feed struct {
	pose    *lane[Pose]
	scan    *lane[LaserScan]
	battery *lane[Battery]

	closeOnce sync.Once
}

// NewFeed starts the delivery goroutines. Close stops them.
func NewFeed() *Feed {
	return &Feed{
		pose:    newLane[Pose](),
		scan:    newLane[LaserScan](),
		battery: newLane[Battery](),
	}
}

// OnPose registers fn for pose samples.
func (f *Feed) OnPose(fn func(Pose)) func() { return f.pose.subscribe(fn) }

// OnLaserScan registers fn for range scans.
func (f *Feed) OnLaserScan(fn func(LaserScan)) func() { return f.scan.subscribe(fn) }

// OnBattery registers fn for battery reports.
func (f *Feed) OnBattery(fn func(Battery)) func() { return f.battery.subscribe(fn) }

// PublishPose queues a pose sample. It is a no-op after Close.
func (f *Feed) PublishPose(p Pose) { f.pose.publish(p) }

// PublishLaserScan queues a range scan. It is a no-op after Close.
func (f *Feed) PublishLaserScan(s LaserScan) { f.scan.publish(s) }

// PublishBattery queues a battery report. It is a no-op after Close.
func (f *Feed) PublishBattery(b Battery) { f.battery.publish(b) }

// Close stops delivery. Queued samples that have not been delivered yet are
// dropped. Safe to call more than once.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		f.pose.close()
		f.scan.close()
		f.battery.close()
	})
}

type lane[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []subscription[T]
	queue  chan T
	done   chan struct{}
	closed bool
}

type subscription[T any] struct {
	id int
	fn func(T)
}

func newLane[T any]() *lane[T] {
	l := &lane[T]{
		queue: make(chan T, queueSize),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *lane[T]) subscribe(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.subs = append(l.subs, subscription[T]{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

func (l *lane[T]) publish(v T) {
	select {
	case <-l.done:
	case l.queue <- v:
	}
}

func (l *lane[T]) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
}

func (l *lane[T]) run() {
	for {
		select {
		case <-l.done:
			return
		case v := <-l.queue:
			l.mu.Lock()
			subs := make([]subscription[T], len(l.subs))
			copy(subs, l.subs)
			l.mu.Unlock()
			for _, s := range subs {
				s.fn(v)
			}
		}
	}
}
