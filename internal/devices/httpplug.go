package devices

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/frostguard/frostguard/internal/log"
)

// HTTPPlugController drives smart plugs that expose a small REST surface:
//
//	GET  http://<ip>/outlets            -> [{"id": 0, "on": true}, ...]
//	POST http://<ip>/outlets/<id>       <- {"on": true}
//
// Plugs with a single relay report one outlet with id 0.
type HTTPPlugController struct {
	client *http.Client

	mu      sync.Mutex
	devices map[string][]*plugDevice // group -> devices
}

type plugDevice struct {
	cfg         Config
	initialized bool
	reachable   bool
	initErr     string
	outletState map[int]bool
}

type outletReport struct {
	ID int   `json:"id"`
	On *bool `json:"on"`
}

// NewHTTPPlugController creates a controller with the default command timeout.
func NewHTTPPlugController() *HTTPPlugController {
	return &HTTPPlugController{
		client:  &http.Client{Timeout: DefaultCommandTimeout},
		devices: make(map[string][]*plugDevice),
	}
}

// InitDevice registers the device and probes its outlet listing.
func (c *HTTPPlugController) InitDevice(ctx context.Context, group string, cfg Config) error {
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}

	d := &plugDevice{cfg: cfg, outletState: make(map[int]bool)}

	c.mu.Lock()
	c.devices[group] = append(c.devices[group], d)
	c.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout)
	defer cancel()

	reports, err := c.fetchOutlets(probeCtx, cfg.IPAddress)
	if err != nil {
		isTimeout := probeCtx.Err() == context.DeadlineExceeded
		c.mu.Lock()
		d.initErr = err.Error()
		d.reachable = false
		c.mu.Unlock()
		return &InitError{Device: cfg.Name, Detail: err.Error(), IsTimeout: isTimeout}
	}

	c.mu.Lock()
	d.initialized = true
	d.reachable = true
	d.initErr = ""
	for _, r := range reports {
		if r.On != nil {
			d.outletState[r.ID] = *r.On
		}
	}
	c.mu.Unlock()

	log.Infof("initialized plug %s (%s) in group %s with %d outlet(s)", cfg.Name, cfg.IPAddress, group, len(reports))
	return nil
}

// GroupState aggregates outlet states across the group's devices. The group
// counts as online when every initialized device answered; it is on when any
// participating outlet is on.
func (c *HTTPPlugController) GroupState(ctx context.Context, group string) (GroupState, error) {
	c.mu.Lock()
	devs := append([]*plugDevice(nil), c.devices[group]...)
	c.mu.Unlock()

	if len(devs) == 0 {
		return GroupState{}, fmt.Errorf("no devices registered for group %s", group)
	}

	gs := GroupState{Online: true}
	var firstErr error
	for _, d := range devs {
		reports, err := c.fetchOutlets(ctx, d.cfg.IPAddress)
		if err != nil {
			c.setReachable(d, false)
			gs.Online = false
			if firstErr == nil {
				firstErr = fmt.Errorf("device %s: %w", d.cfg.Name, err)
			}
			continue
		}
		c.setReachable(d, true)
		for _, r := range reports {
			if !d.participates(r.ID) || r.On == nil {
				continue
			}
			c.recordOutlet(d, r.ID, *r.On)
			gs.PerOutlet = append(gs.PerOutlet, *r.On)
			if *r.On {
				gs.IsOn = true
			}
		}
	}

	if firstErr != nil && len(gs.PerOutlet) == 0 {
		return gs, firstErr
	}
	return gs, nil
}

// SetGroup drives every participating outlet to the desired state. An error
// on any device fails the call; remaining devices are still attempted.
func (c *HTTPPlugController) SetGroup(ctx context.Context, group string, on bool) error {
	c.mu.Lock()
	devs := append([]*plugDevice(nil), c.devices[group]...)
	c.mu.Unlock()

	if len(devs) == 0 {
		return fmt.Errorf("no devices registered for group %s", group)
	}

	var firstErr error
	for _, d := range devs {
		outlets := d.participatingOutlets()
		for _, id := range outlets {
			if err := c.setOutlet(ctx, d.cfg.IPAddress, id, on); err != nil {
				c.setReachable(d, false)
				if firstErr == nil {
					firstErr = fmt.Errorf("device %s outlet %d: %w", d.cfg.Name, id, err)
				}
				continue
			}
			c.setReachable(d, true)
			c.recordOutlet(d, id, on)
		}
	}
	return firstErr
}

// RefreshDevice re-probes one device by name.
func (c *HTTPPlugController) RefreshDevice(ctx context.Context, group, device string) error {
	c.mu.Lock()
	var target *plugDevice
	for _, d := range c.devices[group] {
		if d.cfg.Name == device {
			target = d
			break
		}
	}
	c.mu.Unlock()

	if target == nil {
		return fmt.Errorf("unknown device %s in group %s", device, group)
	}

	reports, err := c.fetchOutlets(ctx, target.cfg.IPAddress)
	if err != nil {
		c.setReachable(target, false)
		return fmt.Errorf("refreshing %s: %w", device, err)
	}

	c.mu.Lock()
	target.initialized = true
	target.reachable = true
	target.initErr = ""
	for _, r := range reports {
		if r.On != nil {
			target.outletState[r.ID] = *r.On
		}
	}
	c.mu.Unlock()
	return nil
}

// GroupDevices reports runtime status for the group's devices.
func (c *HTTPPlugController) GroupDevices(group string) []DeviceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]DeviceStatus, 0, len(c.devices[group]))
	for _, d := range c.devices[group] {
		st := DeviceStatus{
			Name:        d.cfg.Name,
			IPAddress:   d.cfg.IPAddress,
			Initialized: d.initialized,
			Reachable:   d.reachable,
			InitError:   d.initErr,
		}
		if len(d.outletState) > 0 {
			anyOn := false
			for _, on := range d.outletState {
				if on {
					anyOn = true
				}
			}
			st.LastSeenState = &anyOn
		}
		out = append(out, st)
	}
	return out
}

func (c *HTTPPlugController) fetchOutlets(ctx context.Context, ip string) ([]outletReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/outlets", ip), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var reports []outletReport
	if err := json.NewDecoder(resp.Body).Decode(&reports); err != nil {
		return nil, fmt.Errorf("decoding outlet listing: %w", err)
	}
	return reports, nil
}

func (c *HTTPPlugController) setOutlet(ctx context.Context, ip string, id int, on bool) error {
	body, _ := json.Marshal(map[string]bool{"on": on})
	url := fmt.Sprintf("http://%s/outlets/%d", ip, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func (c *HTTPPlugController) setReachable(d *plugDevice, reachable bool) {
	c.mu.Lock()
	d.reachable = reachable
	c.mu.Unlock()
}

func (c *HTTPPlugController) recordOutlet(d *plugDevice, id int, on bool) {
	c.mu.Lock()
	d.outletState[id] = on
	c.mu.Unlock()
}

// participates reports whether the outlet takes part in group control. An
// empty outlet list means the whole device participates.
func (d *plugDevice) participates(id int) bool {
	if len(d.cfg.Outlets) == 0 {
		return true
	}
	for _, o := range d.cfg.Outlets {
		if o == id {
			return true
		}
	}
	return false
}

func (d *plugDevice) participatingOutlets() []int {
	if len(d.cfg.Outlets) > 0 {
		return d.cfg.Outlets
	}
	ids := make([]int, 0, len(d.outletState))
	for id := range d.outletState {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		ids = []int{0}
	}
	sort.Ints(ids)
	return ids
}
