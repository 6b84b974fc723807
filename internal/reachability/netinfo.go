package reachability

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"teamchat/internal/constants"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// NetState is one snapshot of the host network as reported by the OS.
// InternetReachable is nil when the OS has not decided yet.
type NetState struct {
	Type              string `json:"type"`
	IsConnected       bool   `json:"isConnected"`
	InternetReachable *bool  `json:"isInternetReachable"`
}

// Connected reports whether the snapshot counts as online. An undecided
// reachability flag is treated as reachable.
func (s NetState) Connected() bool {
	if !s.IsConnected || s.Type == constants.NetworkTypeNone {
		return false
	}
	return s.InternetReachable == nil || *s.InternetReachable
}

func (s NetState) equal(o NetState) bool {
	if s.Type != o.Type || s.IsConnected != o.IsConnected {
		return false
	}
	if s.InternetReachable == nil || o.InternetReachable == nil {
		return s.InternetReachable == nil && o.InternetReachable == nil
	}
	return *s.InternetReachable == *o.InternetReachable
}

// Updater consumes network snapshots. *Monitor implements it.
type Updater interface {
	Update(ctx context.Context, state NetState)
}

// InterfaceInfo is the part of a network interface the watcher looks at.
type InterfaceInfo struct {
	Name     string
	Up       bool
	Loopback bool
	// Routable is true when the interface holds a global unicast address.
	Routable bool
}

// InterfaceLister returns the host's current interfaces.
type InterfaceLister func() ([]InterfaceInfo, error)

// SystemInterfaces lists interfaces through the net package.
func SystemInterfaces() ([]InterfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	infos := make([]InterfaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		info := InterfaceInfo{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
		}
		addrs, err := iface.Addrs()
		if err == nil {
			for _, addr := range addrs {
				if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.IsGlobalUnicast() {
					info.Routable = true
					break
				}
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func classifyInterface(name string) string {
	switch {
	case strings.HasPrefix(name, "wl"), strings.HasPrefix(name, "wifi"):
		return constants.NetworkTypeWifi
	case strings.HasPrefix(name, "wwan"), strings.HasPrefix(name, "rmnet"), strings.HasPrefix(name, "ccmni"):
		return constants.NetworkTypeCellular
	case strings.HasPrefix(name, "en"), strings.HasPrefix(name, "eth"):
		return constants.NetworkTypeEthernet
	default:
		return constants.NetworkTypeUnknown
	}
}

// StateFromInterfaces derives a snapshot from an interface list. The OS
// offers no reachability verdict here, so InternetReachable stays nil.
func StateFromInterfaces(infos []InterfaceInfo) NetState {
	for _, info := range infos {
		if info.Up && !info.Loopback && info.Routable {
			return NetState{Type: classifyInterface(info.Name), IsConnected: true}
		}
	}
	return NetState{Type: constants.NetworkTypeNone}
}

// InterfaceWatcher polls the host interfaces and forwards changed
// snapshots to an Updater.
type InterfaceWatcher struct {
	list     InterfaceLister
	target   Updater
	interval time.Duration
	clock    clock.Clock
	logger   *logrus.Logger

	mu       sync.Mutex
	last     NetState
	hasLast  bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewInterfaceWatcher(list InterfaceLister, target Updater, interval time.Duration, clk clock.Clock, logger *logrus.Logger) *InterfaceWatcher {
	if list == nil {
		list = SystemInterfaces
	}
	if interval <= 0 {
		interval = constants.DefaultInterfacePoll
	}
	if clk == nil {
		clk = clock.New()
	}
	return &InterfaceWatcher{
		list:     list,
		target:   target,
		interval: interval,
		clock:    clk,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Snapshot reads the interfaces once.
func (w *InterfaceWatcher) Snapshot() (NetState, error) {
	infos, err := w.list()
	if err != nil {
		return NetState{Type: constants.NetworkTypeUnknown}, err
	}
	return StateFromInterfaces(infos), nil
}

// Start polls until ctx is cancelled or Stop is called.
func (w *InterfaceWatcher) Start(ctx context.Context) {
	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()

	w.logger.WithField("interval", w.interval).Info("Starting network interface watcher")
	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			w.logger.Info("Network interface watcher stopped")
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *InterfaceWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *InterfaceWatcher) poll(ctx context.Context) {
	state, err := w.Snapshot()
	if err != nil {
		w.logger.WithError(err).Warn("Failed to list network interfaces")
		return
	}

	w.mu.Lock()
	changed := !w.hasLast || !state.equal(w.last)
	w.last = state
	w.hasLast = true
	w.mu.Unlock()

	if !changed {
		return
	}
	w.logger.WithFields(logrus.Fields{
		constants.LogFieldNetType: state.Type,
		"is_connected":            state.IsConnected,
	}).Debug("Network interfaces changed")
	w.target.Update(ctx, state)
}
