package httpapi

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ccheshirecat/fleet/internal/server/db"
	"github.com/ccheshirecat/fleet/internal/server/orchestrator"
	"github.com/ccheshirecat/fleet/internal/server/orchestrator/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendQueue  = 64
)

// Options tunes the REST surface.
type Options struct {
	// APIKey, when set, is required on every request via X-Fleet-API-Key or
	// the api_key query parameter.
	APIKey string
	// AllowCIDRs restricts clients to the listed networks.
	AllowCIDRs []string
}

// New constructs the HTTP API router backed by the orchestrator engine.
func New(logger *slog.Logger, engine orchestrator.Engine, opts Options) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	if len(opts.AllowCIDRs) > 0 {
		r.Use(ipFilterMiddleware(logger, opts.AllowCIDRs))
	}
	if opts.APIKey != "" {
		r.Use(apiKeyMiddleware(opts.APIKey))
	}

	api := &apiServer{logger: logger, engine: engine}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/openapi.json", func(c *gin.Context) { api.serveOpenAPI(c.Writer, c.Request) })

		computes := v1.Group("/computes")
		{
			computes.GET("", api.listComputes)
			computes.GET(":id", api.getCompute)
			computes.PATCH(":id", api.patchCompute)
			computes.DELETE(":id", api.deleteCompute)
			computes.GET(":id/templates", api.listTemplates)
			computes.POST(":id/actions/:action", api.runAction)
		}

		v1.POST("/containers/:id/vms", api.createVM)
	}

	r.GET("/ws/v1/events", api.eventsWebSocket)

	return r
}

// requestLogger adapts slog to Gin's middleware interface.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		args := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.String("latency", latency.String()),
			slog.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			args = append(args, slog.String("error", c.Errors.String()))
			logger.Error("http request", args...)
		} else {
			logger.Info("http request", args...)
		}
	}
}

func ipFilterMiddleware(logger *slog.Logger, cidrs []string) gin.HandlerFunc {
	var networks []*net.IPNet
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		_, network, err := net.ParseCIDR(raw)
		if err != nil {
			logger.Warn("invalid CIDR", "cidr", raw, "error", err)
			continue
		}
		networks = append(networks, network)
	}
	if len(networks) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		ip := net.ParseIP(c.ClientIP())
		if ip == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid client IP"})
			return
		}
		for _, network := range networks {
			if network.Contains(ip) {
				c.Next()
				return
			}
		}
		logger.Warn("request blocked by CIDR filter", "ip", ip.String())
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
	}
}

func apiKeyMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-Fleet-API-Key")
		if provided == "" {
			provided = c.Query("api_key")
		}
		if provided != expected {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

type apiServer struct {
	logger *slog.Logger
	engine orchestrator.Engine
}

type computeResponse struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Hostname       string             `json:"hostname"`
	ContainerID    string             `json:"container_id,omitempty"`
	Features       []string           `json:"features"`
	State          string             `json:"state"`
	EffectiveState string             `json:"effective_state"`
	Template       string             `json:"template,omitempty"`
	IPv4Address    string             `json:"ipv4_address,omitempty"`
	Nameservers    []string           `json:"nameservers,omitempty"`
	Autostart      bool               `json:"autostart"`
	Memory         float64            `json:"memory"`
	NumCores       int                `json:"num_cores"`
	SwapSize       float64            `json:"swap_size"`
	CPULimit       float64            `json:"cpu_limit"`
	CPUInfo        string             `json:"cpu_info,omitempty"`
	Kernel         string             `json:"kernel,omitempty"`
	OSRelease      string             `json:"os_release,omitempty"`
	Architecture   []string           `json:"architecture,omitempty"`
	Diskspace      map[string]float64 `json:"diskspace,omitempty"`
	DiskspaceUsage map[string]float64 `json:"diskspace_usage,omitempty"`
	Uptime         *float64           `json:"uptime,omitempty"`
	StartedAt      *time.Time         `json:"startup_timestamp,omitempty"`
	LastPing       bool               `json:"last_ping"`
	Suspicious     bool               `json:"suspicious"`
	Failure        bool               `json:"failure"`
	CreatedAt      *time.Time         `json:"created_at,omitempty"`
	UpdatedAt      *time.Time         `json:"updated_at,omitempty"`
}

func computeToResponse(c *db.Compute) computeResponse {
	if c == nil {
		return computeResponse{}
	}
	resp := computeResponse{
		ID:             c.ID,
		Name:           c.Name,
		Hostname:       c.Hostname,
		ContainerID:    c.ContainerID,
		Features:       c.Markers(),
		State:          c.State,
		EffectiveState: c.EffectiveState,
		Template:       c.Template,
		IPv4Address:    c.IPv4Address,
		Nameservers:    c.Nameservers,
		Autostart:      c.Autostart,
		Memory:         c.Memory,
		NumCores:       c.NumCores,
		SwapSize:       c.SwapSize,
		CPULimit:       c.CPULimit,
		CPUInfo:        c.CPUInfo,
		Kernel:         c.Kernel,
		OSRelease:      c.OSRelease,
		Architecture:   c.Architecture,
		Diskspace:      c.Diskspace,
		DiskspaceUsage: c.DiskspaceUsage,
		Uptime:         c.Uptime,
		LastPing:       c.LastPing,
		Suspicious:     c.Suspicious,
		Failure:        c.Failure,
	}
	if resp.Features == nil {
		resp.Features = []string{}
	}
	if c.Uptime != nil && !c.UpdatedAt.IsZero() {
		t := c.UpdatedAt.Add(-time.Duration(*c.Uptime * float64(time.Second))).UTC()
		resp.StartedAt = &t
	}
	if !c.CreatedAt.IsZero() {
		t := c.CreatedAt
		resp.CreatedAt = &t
	}
	if !c.UpdatedAt.IsZero() {
		t := c.UpdatedAt
		resp.UpdatedAt = &t
	}
	return resp
}

func (api *apiServer) listComputes(c *gin.Context) {
	ctx := c.Request.Context()
	var computes []db.Compute
	err := api.engine.Store().View(ctx, func(q db.Queries) error {
		hosts, err := q.Computes().ListHosts(ctx)
		if err != nil {
			return err
		}
		for _, h := range hosts {
			computes = append(computes, h)
			containers, err := q.Containers().ListByCompute(ctx, h.ID)
			if err != nil {
				return err
			}
			for _, container := range containers {
				vms, err := q.Computes().ListByContainer(ctx, container.ID)
				if err != nil {
					return err
				}
				computes = append(computes, vms...)
			}
		}
		return nil
	})
	if err != nil {
		api.logger.Error("list computes", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list computes"})
		return
	}
	resp := make([]computeResponse, 0, len(computes))
	for i := range computes {
		resp = append(resp, computeToResponse(&computes[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) lookup(ctx context.Context, id string) (*db.Compute, error) {
	var out *db.Compute
	err := api.engine.Store().View(ctx, func(q db.Queries) error {
		var err error
		out, err = q.Computes().Get(ctx, id)
		return err
	})
	return out, err
}

func (api *apiServer) getCompute(c *gin.Context) {
	id := c.Param("id")
	compute, err := api.lookup(c.Request.Context(), id)
	if err != nil {
		api.logger.Error("get compute", "compute", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch compute"})
		return
	}
	if compute == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "compute not found"})
		return
	}
	c.JSON(http.StatusOK, computeToResponse(compute))
}

type patchComputeRequest struct {
	State    *string  `json:"state"`
	NumCores *int     `json:"num_cores"`
	Memory   *float64 `json:"memory"`
	SwapSize *float64 `json:"swap_size"`
	CPULimit *float64 `json:"cpu_limit"`
	Hostname *string  `json:"hostname"`
}

func (api *apiServer) patchCompute(c *gin.Context) {
	id := c.Param("id")
	var req patchComputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updated, err := api.engine.UpdateCompute(c.Request.Context(), id, orchestrator.ComputePatch{
		State:    req.State,
		NumCores: req.NumCores,
		Memory:   req.Memory,
		SwapSize: req.SwapSize,
		CPULimit: req.CPULimit,
		Hostname: req.Hostname,
	})
	if err != nil {
		api.logger.Error("update compute", "compute", id, "error", err)
		c.JSON(statusFromError(err), gin.H{"error": orchestrator.FormatError(err)})
		return
	}
	c.JSON(http.StatusOK, computeToResponse(updated))
}

func (api *apiServer) deleteCompute(c *gin.Context) {
	id := c.Param("id")
	if err := api.engine.DeleteCompute(c.Request.Context(), id); err != nil {
		api.logger.Error("delete compute", "compute", id, "error", err)
		c.JSON(statusFromError(err), gin.H{"error": orchestrator.FormatError(err)})
		return
	}
	c.Status(http.StatusNoContent)
}

type templateResponse struct {
	Name       string         `json:"name"`
	DomainType string         `json:"domain_type"`
	Cores      db.IntRange    `json:"cores"`
	Memory     db.FloatRange  `json:"memory"`
	Swap       db.FloatRange  `json:"swap"`
	Disk       db.FloatRange  `json:"disk"`
	CPULimit   db.IntRange    `json:"cpu_limit"`
	Defaults   map[string]any `json:"defaults,omitempty"`
}

// listTemplates serves the catalog of a host, or of the host running a VM.
func (api *apiServer) listTemplates(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	var (
		templates []db.Template
		found     bool
	)
	err := api.engine.Store().View(ctx, func(q db.Queries) error {
		compute, err := q.Computes().Get(ctx, id)
		if err != nil || compute == nil {
			return err
		}
		hostID := compute.ID
		if compute.IsVirtual() {
			container, err := q.Containers().Get(ctx, compute.ContainerID)
			if err != nil || container == nil {
				return err
			}
			hostID = container.ComputeID
		}
		found = true
		templates, err = q.Templates().List(ctx, hostID)
		return err
	})
	if err != nil {
		api.logger.Error("list templates", "compute", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list templates"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "compute not found"})
		return
	}
	resp := make([]templateResponse, 0, len(templates))
	for _, t := range templates {
		item := templateResponse{
			Name:       t.Name,
			DomainType: t.DomainType,
			Cores:      t.Cores,
			Memory:     t.Memory,
			Swap:       t.Swap,
			Disk:       t.Disk,
			CPULimit:   t.CPULimit,
		}
		defaults := map[string]any{}
		for k, v := range map[string]string{"nameserver": t.Nameserver, "password": t.Password, "ip": t.IP} {
			if v != "" {
				defaults[k] = v
			}
		}
		if len(defaults) > 0 {
			item.Defaults = defaults
		}
		resp = append(resp, item)
	}
	c.JSON(http.StatusOK, resp)
}

type actionRequest struct {
	Target      string `json:"target"`
	Destination string `json:"destination"`
	Offline     bool   `json:"offline"`
}

// runAction executes an action and returns its progress text. The request
// waits for the action to finish; a client that goes away stops waiting but
// the action still runs to completion.
func (api *apiServer) runAction(c *gin.Context) {
	id := c.Param("id")
	name := c.Param("action")
	var req actionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	out := &lockedBuffer{}
	err := api.engine.Execute(c.Request.Context(), id, orchestrator.ActionRequest{
		Action:      name,
		Target:      req.Target,
		Destination: req.Destination,
		Offline:     req.Offline,
	}, out).Wait(c.Request.Context())

	status := http.StatusOK
	if err != nil {
		status = statusFromError(err)
		api.logger.Warn("action failed", "compute", id, "action", name, "error", err)
	}
	c.Data(status, "text/plain; charset=utf-8", out.Bytes())
}

type createVMForm struct {
	Hostname           string   `json:"hostname"`
	Template           string   `json:"template"`
	StartOnBoot        bool     `json:"start_on_boot"`
	IPv4Address        string   `json:"ipv4_address"`
	DNS1               string   `json:"dns1"`
	DNS2               string   `json:"dns2"`
	RootPassword       string   `json:"root_password"`
	RootPasswordRepeat string   `json:"root_password_repeat"`
	Memory             float64  `json:"memory"`
	NumCores           int      `json:"num_cores"`
	SwapSize           float64  `json:"swap_size"`
	CPULimit           float64  `json:"cpu_limit"`
	Diskspace          *float64 `json:"diskspace"`
}

type formError struct {
	ID  string `json:"id"`
	Msg string `json:"msg"`
}

// toRequest applies the form clean-ups: start_on_boot selects the desired
// state and autostart, dns1/dns2 become the nameserver list and a scalar
// diskspace becomes the root partition size.
func (f createVMForm) toRequest() (orchestrator.CreateVMRequest, []formError) {
	var errs []formError
	if strings.TrimSpace(f.Template) == "" {
		errs = append(errs, formError{ID: "template", Msg: "missing value"})
	}
	if strings.TrimSpace(f.Hostname) == "" {
		errs = append(errs, formError{ID: "hostname", Msg: "missing value"})
	}
	if f.RootPasswordRepeat != "" && f.RootPasswordRepeat != f.RootPassword {
		errs = append(errs, formError{ID: "root_password_repeat", Msg: "passwords do not match"})
	}

	req := orchestrator.CreateVMRequest{
		Hostname:    strings.TrimSpace(f.Hostname),
		Template:    strings.TrimSpace(f.Template),
		State:       db.StateInactive,
		IPv4Address: f.IPv4Address,
		Nameservers: []string{},
		Autostart:   f.StartOnBoot,
		Memory:      f.Memory,
		NumCores:    f.NumCores,
		SwapSize:    f.SwapSize,
		CPULimit:    f.CPULimit,
	}
	if f.StartOnBoot {
		req.State = db.StateActive
	}
	for _, ns := range []string{f.DNS1, f.DNS2} {
		if ns = strings.TrimSpace(ns); ns != "" {
			req.Nameservers = append(req.Nameservers, ns)
		}
	}
	if f.Diskspace != nil && *f.Diskspace != 0 {
		req.Diskspace = map[string]float64{"root": *f.Diskspace}
	}
	if f.RootPassword != "" {
		pw := f.RootPassword
		req.RootPassword = &pw
	}
	return req, errs
}

func (api *apiServer) createVM(c *gin.Context) {
	containerID := c.Param("id")
	var form createVMForm
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "errors": []formError{{ID: "", Msg: "Input data could not be parsed"}}})
		return
	}
	req, formErrs := form.toRequest()
	if len(formErrs) > 0 {
		c.JSON(http.StatusOK, gin.H{"success": false, "errors": formErrs})
		return
	}

	vm, err := api.engine.CreateVM(c.Request.Context(), containerID, req)
	if err != nil {
		status := statusFromError(err)
		if status == http.StatusBadRequest {
			c.JSON(http.StatusOK, gin.H{"success": false, "errors": []formError{{Msg: orchestrator.FormatError(err)}}})
			return
		}
		api.logger.Error("create vm", "container", containerID, "vm", req.Hostname, "error", err)
		c.JSON(status, gin.H{"success": false, "errors": []formError{{Msg: orchestrator.FormatError(err)}}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": computeToResponse(vm)})
}

// eventsWebSocket streams model events as JSON messages until the client
// goes away. Bus publishers run inside locked actions and wait for every
// subscriber, so the subscription is drained by relayEvents and a client
// that falls wsSendQueue events behind is disconnected.
func (api *apiServer) eventsWebSocket(c *gin.Context) {
	bus := api.engine.Bus()
	if bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming not available"})
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	eventsCh := make(chan any)
	unsubscribe, err := bus.Subscribe(events.TopicModel, eventsCh)
	if err != nil {
		api.logger.Error("events ws subscribe", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to subscribe"})
		return
	}
	stopRelay := make(chan struct{})
	defer close(stopRelay)
	defer unsubscribe()
	queue := make(chan events.ModelEvent, wsSendQueue)
	remote := c.ClientIP()
	go relayEvents(stopRelay, eventsCh, queue, func() {
		api.logger.Warn("events ws client too slow, disconnecting", "remote", remote)
		cancel()
	})

	conn, err := (&websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}).Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		api.logger.Error("events ws upgrade", "error", err)
		return
	}
	defer conn.Close()

	// Reader: only needed to process control frames and notice the close.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case evt := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}

// relayEvents moves model events from in to out without ever blocking the
// sender. The first event that does not fit in out triggers overflow; later
// events are discarded until stop is closed.
func relayEvents(stop <-chan struct{}, in <-chan any, out chan<- events.ModelEvent, overflow func()) {
	dropping := false
	for {
		select {
		case <-stop:
			return
		case payload := <-in:
			evt, ok := payload.(events.ModelEvent)
			if !ok || dropping {
				continue
			}
			select {
			case out <- evt:
			default:
				dropping = true
				overflow()
			}
		}
	}
}

func statusFromError(err error) int {
	var (
		validation  *orchestrator.ValidationError
		conflict    *orchestrator.ConflictError
		consistency *orchestrator.ConsistencyError
		assertion   *orchestrator.AssertionError
	)
	switch {
	case errors.Is(err, orchestrator.ErrComputeNotFound), errors.Is(err, orchestrator.ErrContainerNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrUnknownAction):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &validation), errors.As(err, &assertion):
		return http.StatusBadRequest
	case errors.As(err, &consistency):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// lockedBuffer collects action output. Wait can return on cancellation
// while the action is still writing.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
