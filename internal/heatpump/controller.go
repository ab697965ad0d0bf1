// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package heatpump drives one CN105 link: it opens the port, performs the
// handshake, polls the unit on a fixed cycle, writes pending settings and
// reconnects when the unit goes quiet.
//
// Everything except Do, Info and Close runs on a single timeline: the
// goroutine calling Tick (usually Run). Hooks are invoked on that timeline.
package heatpump

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/cn105ctl/pkg/cn105"
	"github.com/Thermoquad/cn105ctl/pkg/floats"
	"github.com/Thermoquad/cn105ctl/pkg/scheduler"
)

// LinkInfo is a point-in-time view of the link for display and export
type LinkInfo struct {
	PortOpen       bool                    `json:"port_open"`
	Connected      bool                    `json:"connected"`
	Active         bool                    `json:"active"`
	LastResponse   time.Time               `json:"last_response"`
	LastSend       time.Time               `json:"last_send"`
	Cycles         uint64                  `json:"cycles"`
	TimedOutCycles uint64                  `json:"timed_out_cycles"`
	LastCycle      time.Duration           `json:"last_cycle"`
	Reconnects     uint64                  `json:"reconnects"`
	Stats          cn105.Statistics        `json:"stats"`
	Requests       []scheduler.RequestInfo `json:"requests"`
}

// Controller owns the link to one unit
type Controller struct {
	opts    Options
	open    Opener
	state   *cn105.StateStore
	clock   scheduler.Clock
	timers  *scheduler.Loop
	sched   *scheduler.Scheduler
	cycle   *scheduler.Cycle
	decoder *cn105.Decoder
	stats   *cn105.Statistics
	log     logrus.FieldLogger

	port   io.ReadWriteCloser
	reader *portReader

	bootAt         time.Time
	bootstrapped   bool
	lastSend       time.Time
	lastResponse   time.Time
	lastReconnect  time.Time
	lastConnectReq time.Time
	reconnects     uint64
	pending        []byte

	remoteMu    sync.Mutex
	remote      float64
	remoteDirty bool

	ops       chan func()
	closed    chan struct{}
	closeOnce sync.Once
	running   atomic.Bool

	infoMu sync.Mutex
	info   LinkInfo

	// OnCycleEnd runs after every completed polling cycle
	OnCycleEnd func()
	// OnFrame sees every valid frame after it was applied to the state
	OnFrame func(*cn105.Frame, cn105.Events)
	// OnSend sees every packet written to the port
	OnSend func([]byte)
}

// New creates a controller. Nothing is opened until the first Tick after the
// bootstrap delay.
func New(open Opener, state *cn105.StateStore, clock scheduler.Clock, opts Options, log logrus.FieldLogger) *Controller {
	if clock == nil {
		clock = scheduler.SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	opts = opts.withDefaults()

	now := clock.Now()
	c := &Controller{
		opts:         opts,
		open:         open,
		state:        state,
		clock:        clock,
		timers:       scheduler.NewLoop(clock),
		cycle:        scheduler.NewCycle(clock, opts.UpdateInterval),
		decoder:      cn105.NewDecoder(),
		stats:        cn105.NewStatistics(),
		log:          log.WithField("component", "heatpump"),
		bootAt:       now,
		lastResponse: now,
		ops:          make(chan func(), 32),
		closed:       make(chan struct{}),
	}
	c.sched = scheduler.New(state, scheduler.SenderFunc(c.sendInfo), c.timers, clock, c.completeCycle)
	c.sched.OnTimeout = c.logTimeout
	c.sched.RegisterAll(scheduler.DefaultRequests(scheduler.Options{
		PollTimers:    opts.PollTimers,
		PollFunctions: opts.PollFunctions,
		SoftTimeout:   opts.SoftTimeout,
	}))
	return c
}

// State returns the store the controller feeds
func (c *Controller) State() *cn105.StateStore {
	return c.state
}

// Scheduler returns the request scheduler
func (c *Controller) Scheduler() *scheduler.Scheduler {
	return c.sched
}

// ===== Timeline =====

// Tick runs one pass of the control flow: due timers, the connection
// bootstrap, input, then at most one of settings write, cycle timeout check
// or cycle start.
func (c *Controller) Tick() {
	c.drainOps()
	c.timers.RunDue()
	c.ensureConnection()

	canTalk := c.state.Connected()
	if c.processInput() {
		c.publishInfo()
		return
	}
	if !canTalk {
		c.publishInfo()
		return
	}

	if c.state.RequeueUnacked(c.opts.AckTimeout) {
		c.log.Warn("settings write not acknowledged, requeueing")
	}

	changed, _ := c.state.WantedChanged()
	switch {
	case changed && !c.cycle.Running():
		c.checkPendingWanted()
	case c.cycle.Running():
		if c.cycle.TimedOut() {
			c.log.Warn("polling cycle timed out")
			c.sched.Abort()
			c.cycle.Ended(true)
		}
	case c.cycle.IntervalPassed():
		c.startCycle()
	}
	c.publishInfo()
}

// Run ticks every interval until ctx is done, then closes the port
func (c *Controller) Run(ctx context.Context, every time.Duration) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("heatpump: already running")
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		case op := <-c.ops:
			op()
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Do runs fn on the controller's timeline and waits for it to finish
func (c *Controller) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case c.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrPortClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrPortClosed
	}
}

func (c *Controller) drainOps() {
	for {
		select {
		case op := <-c.ops:
			op()
		default:
			return
		}
	}
}

// Close stops Run, which shuts the port on its way out. Without Run the port
// is shut here. The controller cannot be restarted.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	if !c.running.Load() {
		c.shutdown()
	}
	return nil
}

func (c *Controller) shutdown() {
	c.closePort()
	c.publishInfo()
}

// ===== Input =====

func (c *Controller) processInput() bool {
	r := c.reader
	if r == nil {
		return false
	}
	read := false
drain:
	for c.reader == r {
		select {
		case chunk := <-r.data:
			c.Feed(chunk)
			read = true
		default:
			break drain
		}
	}
	if !read && c.reader == r && r.finished() {
		c.portLost(r.err)
	}
	return read
}

// Feed decodes raw bytes from the unit. The reader goroutine's output goes
// through here; tests and replays may call it directly on the timeline.
func (c *Controller) Feed(data []byte) {
	frames, errs := c.decoder.Decode(data)
	for _, err := range errs {
		c.stats.Update(nil, err, nil)
		c.log.WithError(err).Debug("frame rejected")
	}
	for _, f := range frames {
		c.handleFrame(f)
	}
}

func (c *Controller) handleFrame(f *cn105.Frame) {
	c.lastResponse = c.clock.Now()
	c.stats.Update(f, nil, cn105.ValidateFrame(f))

	ev, err := c.state.Apply(f)
	if err != nil {
		c.log.WithError(err).WithField("frame", cn105.FormatFrame(f)).Warn("frame not applied")
	}

	switch f.Command() {
	case cn105.CmdConnectAck, cn105.CmdConnectInstallerAck:
		c.timers.Cancel(timerConnectCheck)
		c.log.Info("connected to unit")
	case cn105.CmdData:
		c.sched.ProcessResponse(f.SubType())
	case cn105.CmdSetAck:
		c.log.Debug("settings acknowledged")
	}

	if c.OnFrame != nil {
		c.OnFrame(f, ev)
	}
}

// ===== Cycle =====

func (c *Controller) startCycle() {
	if !c.Active() {
		c.reconnectIfLost()
		return
	}
	c.cycle.Started()
	c.sched.SendNextAfter(0x00)
}

func (c *Controller) completeCycle() {
	d := c.cycle.Ended(false)
	c.log.WithField("duration", d).Debug("polling cycle complete")
	c.sendRemoteTemperature()
	if c.OnCycleEnd != nil {
		c.OnCycleEnd()
	}
}

func (c *Controller) sendInfo(code byte) {
	c.writePacket(cn105.BuildInfoPacket(code), true)
}

func (c *Controller) logTimeout(ev scheduler.TimeoutEvent) {
	entry := c.log.WithFields(logrus.Fields{
		"code":     ev.Code,
		"request":  ev.Name,
		"failures": ev.Failures,
	})
	if ev.Disabled {
		entry.Warn("info request disabled after repeated timeouts")
		return
	}
	entry.Debug("info request timed out")
}

// ===== Settings =====

func (c *Controller) checkPendingWanted() {
	changed, at := c.state.WantedChanged()
	if !changed || c.clock.Now().Sub(at) < c.opts.Debounce {
		return
	}
	if !c.ensureActiveConnection() {
		return
	}
	packet, ok := c.state.SettingsPacket()
	if !ok {
		// the request already matches the unit
		c.state.ClearWanted()
		return
	}
	c.log.WithField("packet", cn105.FormatBytes(packet)).Info("writing settings")
	c.writePacket(packet, true)
	c.state.MarkWantedSent()
	c.cycle.Defer(c.opts.DeferDelay)
}

// WriteFunctions stores the local function table on the unit. It must run on
// the controller's timeline; wrap it in Do from other goroutines.
func (c *Controller) WriteFunctions() error {
	p1, p2, ok := c.state.FunctionsPackets()
	if !ok {
		return errors.New("heatpump: function table not read yet")
	}
	if !c.Active() {
		return ErrNotConnected
	}
	c.writePacket(p1, true)
	c.timers.Schedule("functions2", MinSendGap, func() {
		c.writePacket(p2, true)
	})
	return nil
}

// ===== Remote temperature =====

// SetRemoteTemperature queues an external room temperature, sent at the end
// of the next cycle. Zero, negative or non-finite values hand control back to
// the internal sensor. Safe from any goroutine.
func (c *Controller) SetRemoteTemperature(t float64) {
	if !floats.Finite(t) || t < 0 {
		t = 0
	}
	c.remoteMu.Lock()
	c.remote = t
	c.remoteDirty = true
	c.remoteMu.Unlock()

	if t > 0 && c.opts.RemoteTempTimeout > 0 {
		c.timers.Schedule(timerRemoteTemp, c.opts.RemoteTempTimeout, func() {
			c.log.Warn("remote temperature expired, using internal sensor")
			c.SetRemoteTemperature(0)
		})
	} else {
		c.timers.Cancel(timerRemoteTemp)
	}
}

// RemoteTemperature returns the current external reading, if any
func (c *Controller) RemoteTemperature() (float64, bool) {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()
	return c.remote, c.remote > 0
}

func (c *Controller) sendRemoteTemperature() {
	c.remoteMu.Lock()
	t, dirty := c.remote, c.remoteDirty
	c.remoteDirty = false
	c.remoteMu.Unlock()
	if !dirty {
		return
	}
	c.log.WithField("temperature", t).Debug("sending remote temperature")
	c.writePacket(cn105.BuildRemoteTemperaturePacket(t), true)
}

// ===== Connection =====

// Active reports whether the unit answered within the last few intervals
func (c *Controller) Active() bool {
	return c.clock.Now().Sub(c.lastResponse) < ResponseFactor*c.opts.UpdateInterval
}

func (c *Controller) ensureConnection() {
	if c.bootstrapped {
		return
	}
	if c.clock.Now().Sub(c.bootAt) < c.opts.BootstrapDelay {
		return
	}
	c.bootstrapped = true
	c.sendConnect()
}

func (c *Controller) ensureActiveConnection() bool {
	if c.Active() && c.port != nil && c.clock.Now().Sub(c.lastSend) > MinSendGap {
		return true
	}
	c.reconnectIfLost()
	return false
}

func (c *Controller) reconnectIfLost() {
	now := c.clock.Now()
	if now.Sub(c.lastReconnect) < c.opts.UpdateInterval {
		return
	}
	if !c.Active() && now.Sub(c.lastConnectReq) > c.opts.UpdateInterval {
		c.log.Warn("unit not answering, reconnecting")
		c.reconnect()
	}
}

func (c *Controller) reconnect() {
	c.lastReconnect = c.clock.Now()
	c.reconnects++
	c.closePort()
	c.sendConnect()
}

func (c *Controller) sendConnect() {
	if c.port == nil {
		if err := c.openPort(); err != nil {
			c.timers.Schedule(timerConnectCheck, ConnectCheckTimeout, c.checkConnected)
			return
		}
	}
	c.log.WithField("installer", c.opts.Installer).Info("sending connect request")
	c.writePacket(cn105.BuildConnectPacket(c.opts.Installer), false)
	c.lastConnectReq = c.clock.Now()
	c.timers.Schedule(timerConnectCheck, ConnectCheckTimeout, c.checkConnected)
}

func (c *Controller) checkConnected() {
	if c.state.Connected() {
		return
	}
	c.log.Warn("no connect acknowledgement, reconnecting")
	c.reconnect()
}

func (c *Controller) openPort() error {
	port, err := c.open()
	if err != nil {
		c.log.WithError(err).Warn("failed to open port")
		return err
	}
	c.port = port
	c.reader = startReader(port)
	c.decoder.Reset()
	c.state.SetConnected(false)
	c.log.Debug("port opened")
	return nil
}

func (c *Controller) closePort() {
	if c.port == nil {
		return
	}
	c.reader.halt()
	if err := c.port.Close(); err != nil {
		c.log.WithError(err).Debug("port close")
	}
	c.port = nil
	c.reader = nil
	c.state.SetConnected(false)
	c.sched.Abort()
	if c.cycle.Running() {
		c.cycle.Ended(true)
	}
}

func (c *Controller) portLost(err error) {
	if err == nil {
		err = io.EOF
	}
	c.log.WithError(err).Warn("port lost")
	c.closePort()
	c.timers.Schedule(timerConnectCheck, PendingRetryPortDown, c.checkConnected)
}

// ===== Output =====

func (c *Controller) write(packet []byte) {
	if _, err := c.port.Write(packet); err != nil {
		c.portLost(err)
		return
	}
	c.lastSend = c.clock.Now()
	if c.OnSend != nil {
		c.OnSend(packet)
	}
}

// writePacket sends packet, or parks it and reconnects when the port is down
// or the unit inactive. checkActive is false only for the handshake.
func (c *Controller) writePacket(packet []byte, checkActive bool) {
	if c.port != nil && (!checkActive || c.Active()) {
		c.write(packet)
		return
	}
	c.log.Debug("link down, deferring write")
	c.reconnect()
	c.pending = packet
	c.timers.Schedule(timerWrite, PendingRetry, c.tryWritePending)
}

func (c *Controller) tryWritePending() {
	if c.pending == nil {
		return
	}
	if c.port == nil {
		c.reconnect()
		c.timers.Schedule(timerWrite, PendingRetryPortDown, c.tryWritePending)
		return
	}
	packet := c.pending
	c.pending = nil
	c.write(packet)
}

// ===== Info =====

func (c *Controller) publishInfo() {
	total, timedOut := c.cycle.Completed()
	c.stats.CalculateRates()
	info := LinkInfo{
		PortOpen:       c.port != nil,
		Connected:      c.state.Connected(),
		Active:         c.Active(),
		LastResponse:   c.lastResponse,
		LastSend:       c.lastSend,
		Cycles:         total,
		TimedOutCycles: timedOut,
		LastCycle:      c.cycle.LastDuration(),
		Reconnects:     c.reconnects,
		Stats:          *c.stats,
		Requests:       c.sched.Requests(),
	}
	c.infoMu.Lock()
	c.info = info
	c.infoMu.Unlock()
}

// Info returns the link view as of the last tick. Safe from any goroutine.
func (c *Controller) Info() LinkInfo {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.info
}
