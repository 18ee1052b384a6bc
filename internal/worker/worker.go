// Package worker implements the LiveKit agent worker: it registers with the
// LiveKit agent endpoint, accepts room jobs, and runs one caption job per
// assigned room.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"google.golang.org/protobuf/proto"

	"github.com/linguameet/caption-worker/internal/api"
	"github.com/linguameet/caption-worker/internal/caption"
	"github.com/linguameet/caption-worker/internal/config"
	"github.com/linguameet/caption-worker/internal/job"
	"github.com/linguameet/caption-worker/internal/logging"
	"github.com/linguameet/caption-worker/internal/speech"
	"github.com/linguameet/caption-worker/internal/store"
	"github.com/linguameet/caption-worker/internal/translate"
	"github.com/linguameet/caption-worker/internal/version"
)

// Worker represents the LiveKit agent worker.
type Worker struct {
	cfg *config.Config

	conn     *websocket.Conn
	connMu   sync.Mutex
	workerID string

	mu         sync.RWMutex
	activeJobs map[string]*JobRunner
	draining   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	orchestrator *caption.Orchestrator
	captionStore store.CaptionStore
}

// JobRunner tracks one running job.
type JobRunner struct {
	JobID     string
	RoomName  string
	StartedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewWorker creates a worker and its caption pipeline dependencies.
func NewWorker(cfg *config.Config) (*Worker, error) {
	ctx, cancel := context.WithCancel(context.Background())

	captionStore, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect caption store: %w", err)
	}

	cache := translate.NewLRUCache(cfg.CacheTTL, cfg.CacheMaxEntries)
	translator := translate.NewHTTPTranslator(cfg.TranslateURL, cfg.TranslateAPIKey)
	fanout := translate.NewFanout(translator, cache, cfg.TranslateTimeout)
	dialer := speech.NewWSDialer(cfg.SpeechWSURL, cfg.SpeechAPIKey, cfg.SpeechConnectTimeout)

	orchestrator := caption.New(dialer, fanout, captionStore, caption.SpeechConfig{
		SampleRate:    cfg.SpeechSampleRate,
		MaxReconnects: cfg.SpeechMaxReconnects,
		BackoffBase:   cfg.SpeechBackoffBase,
	})

	w := &Worker{
		cfg:          cfg,
		activeJobs:   make(map[string]*JobRunner),
		ctx:          ctx,
		cancel:       cancel,
		orchestrator: orchestrator,
		captionStore: captionStore,
	}

	logging.Info(logging.CategoryWorker, "worker initialized agentName=%s", cfg.AgentName)
	return w, nil
}

// Start connects to LiveKit, registers, and blocks until shutdown.
func (w *Worker) Start() error {
	token, err := w.buildWorkerToken()
	if err != nil {
		return fmt.Errorf("build worker token: %w", err)
	}

	wsURL, err := w.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket URL: %w", err)
	}

	logging.Info(logging.CategoryWorker, "connecting to LiveKit agent endpoint url=%s", wsURL)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	dialCtx, dialCancel := context.WithTimeout(w.ctx, 15*time.Second)
	defer dialCancel()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		// A refused handshake still carries a response.
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("dial agent endpoint: %w", err)
	}
	resp.Body.Close()

	w.conn = conn
	logging.Info(logging.CategoryWorker, "connected to LiveKit agent endpoint status=%d", resp.StatusCode)

	if err := w.register(); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	w.wg.Add(1)
	go w.messageLoop()

	w.wg.Add(1)
	go w.loadReporter()

	if w.cfg.StatusAddr != "" {
		w.wg.Add(1)
		go w.serveStatus()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-sigChan:
		logging.Info(logging.CategoryWorker, "received shutdown signal, starting drain")
	case <-w.ctx.Done():
		logging.Info(logging.CategoryWorker, "context cancelled, starting drain")
	}

	w.mu.Lock()
	w.draining = true
	w.mu.Unlock()

	logging.Info(logging.CategoryWorker, "waiting for active jobs to complete timeout=%v", w.cfg.DrainTimeout)
	done := make(chan struct{})
	go func() {
		w.waitForJobs()
		close(done)
	}()

	select {
	case <-done:
		logging.Info(logging.CategoryWorker, "all jobs completed")
	case <-time.After(w.cfg.DrainTimeout):
		logging.Warning(logging.CategoryWorker, "drain timeout exceeded, forcing shutdown")
		w.cancelAllJobs()
	}

	w.cancel()

	w.connMu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connMu.Unlock()

	shutdownDone := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		logging.Info(logging.CategoryWorker, "worker shutdown complete")
	case <-time.After(5 * time.Second):
		logging.Warning(logging.CategoryWorker, "worker shutdown timeout, some goroutines may not have exited cleanly")
	}

	w.captionStore.Close()
	return nil
}

func (w *Worker) buildWorkerToken() (string, error) {
	at := auth.NewAccessToken(w.cfg.LiveKitAPIKey, w.cfg.LiveKitAPISecret)
	at.AddGrant(&auth.VideoGrant{Agent: true})
	return at.ToJWT()
}

func (w *Worker) buildWSURL() (string, error) {
	u, err := url.Parse(w.cfg.LiveKitURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/agent"
	return u.String(), nil
}

func (w *Worker) register() error {
	req := &livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_Register{
			Register: &livekit.RegisterWorkerRequest{
				Type:      w.cfg.JobType,
				Version:   version.Version,
				Namespace: &w.cfg.Namespace,
				AgentName: w.cfg.AgentName,
			},
		},
	}

	if err := w.writeMessage(req); err != nil {
		return fmt.Errorf("write register request: %w", err)
	}

	logging.Info(logging.CategoryWorker, "sent worker registration jobType=%v agentName=%s namespace=%s",
		w.cfg.JobType, w.cfg.AgentName, w.cfg.Namespace)

	ctx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
	defer cancel()

	for {
		msgChan := make(chan *livekit.ServerMessage, 1)
		errChan := make(chan error, 1)

		go func() {
			msg, err := w.readMessage()
			if err != nil {
				errChan <- err
				return
			}
			msgChan <- msg
		}()

		select {
		case <-ctx.Done():
			return fmt.Errorf("registration timeout")
		case err := <-errChan:
			return fmt.Errorf("read registration response: %w", err)
		case msg := <-msgChan:
			if msg == nil {
				continue
			}
			if regResp := msg.GetRegister(); regResp != nil {
				w.workerID = regResp.WorkerId
				logging.Info(logging.CategoryWorker, "worker registered workerID=%s", w.workerID)
				return nil
			}
		}
	}
}

func (w *Worker) messageLoop() {
	defer w.wg.Done()

	for {
		msg, err := w.readMessage()
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Info(logging.CategoryWorker, "agent connection closed, shutting down: %v", err)
			} else {
				logging.Error(logging.CategoryWorker, "agent connection read error, shutting down: %v", err)
			}
			w.cancel()
			return
		}

		if err := w.handleMessage(msg); err != nil {
			logging.Error(logging.CategoryWorker, "handle message error: %v", err)
		}
	}
}

func (w *Worker) handleMessage(msg *livekit.ServerMessage) error {
	switch m := msg.Message.(type) {
	case *livekit.ServerMessage_Availability:
		return w.handleAvailability(m.Availability)
	case *livekit.ServerMessage_Assignment:
		return w.handleAssignment(m.Assignment)
	case *livekit.ServerMessage_Termination:
		return w.handleTermination(m.Termination)
	case *livekit.ServerMessage_Pong:
		return nil
	default:
		logging.Debug(logging.CategoryWorker, "unhandled message type=%T", m)
		return nil
	}
}

func (w *Worker) handleAvailability(req *livekit.AvailabilityRequest) error {
	jobID := req.Job.Id

	w.mu.RLock()
	available := !w.draining && len(w.activeJobs) < w.cfg.MaxConcurrentJobs
	w.mu.RUnlock()

	participantIdentity := fmt.Sprintf("agent-%s", jobID)
	if len(participantIdentity) > 63 {
		participantIdentity = participantIdentity[:63]
	}

	resp := &livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_Availability{
			Availability: &livekit.AvailabilityResponse{
				JobId:               jobID,
				Available:           available,
				ParticipantIdentity: participantIdentity,
				ParticipantName:     w.cfg.AgentName,
			},
		},
	}
	if err := w.writeMessage(resp); err != nil {
		return fmt.Errorf("write availability response: %w", err)
	}

	if available {
		logging.Info(logging.CategoryWorker, "accepted job jobID=%s room=%s", jobID, req.Job.Room.Name)
	} else {
		logging.Info(logging.CategoryWorker, "rejected job jobID=%s reason=draining or at capacity", jobID)
	}
	return nil
}

func (w *Worker) handleAssignment(assign *livekit.JobAssignment) error {
	jobID := assign.Job.Id
	roomName := assign.Job.Room.Name

	logging.Info(logging.CategoryWorker, "received job assignment jobID=%s room=%s", jobID, roomName)

	ctx, cancel := context.WithCancel(w.ctx)
	runner := &JobRunner{
		JobID:     jobID,
		RoomName:  roomName,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	w.mu.Lock()
	w.activeJobs[jobID] = runner
	w.mu.Unlock()

	j := &job.Job{
		JobID:        jobID,
		RoomName:     roomName,
		Token:        assign.Token,
		URL:          w.cfg.LiveKitURL,
		Config:       w.cfg,
		Orchestrator: w.orchestrator,
	}

	runner.wg.Add(1)
	go func() {
		defer runner.wg.Done()
		defer cancel()

		err := j.Run(ctx)
		if err != nil {
			logging.Error(logging.CategoryJob, "caption job exited with error jobID=%s: %v", jobID, err)
		} else {
			logging.Info(logging.CategoryJob, "caption job completed jobID=%s", jobID)
		}

		status := livekit.JobStatus_JS_SUCCESS
		if err != nil {
			status = livekit.JobStatus_JS_FAILED
		}
		update := &livekit.WorkerMessage{
			Message: &livekit.WorkerMessage_UpdateJob{
				UpdateJob: &livekit.UpdateJobStatus{
					JobId:  jobID,
					Status: status,
					Error:  errString(err),
				},
			},
		}
		if err := w.writeMessage(update); err != nil {
			logging.Error(logging.CategoryWorker, "failed to update job status jobID=%s: %v", jobID, err)
		}

		w.mu.Lock()
		delete(w.activeJobs, jobID)
		w.mu.Unlock()
	}()

	return nil
}

func (w *Worker) handleTermination(term *livekit.JobTermination) error {
	logging.Info(logging.CategoryWorker, "received job termination jobID=%s", term.JobId)

	w.mu.RLock()
	runner, ok := w.activeJobs[term.JobId]
	w.mu.RUnlock()

	if !ok {
		logging.Warning(logging.CategoryWorker, "termination for unknown job jobID=%s", term.JobId)
		return nil
	}
	runner.cancel()
	return nil
}

func (w *Worker) loadReporter() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.LoadUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.updateLoad()
		}
	}
}

func (w *Worker) updateLoad() {
	w.mu.RLock()
	activeCount := len(w.activeJobs)
	draining := w.draining
	w.mu.RUnlock()

	load := float32(activeCount) / float32(w.cfg.MaxConcurrentJobs)
	if load > 1.0 {
		load = 1.0
	}

	var status *livekit.WorkerStatus
	availStatus := livekit.WorkerStatus_WS_AVAILABLE
	if !draining {
		status = &availStatus
	}

	update := &livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_UpdateWorker{
			UpdateWorker: &livekit.UpdateWorkerStatus{
				Status: status,
				Load:   load,
			},
		},
	}
	if err := w.writeMessage(update); err != nil {
		logging.Debug(logging.CategoryWorker, "skipping load update: %v", err)
	}
}

func (w *Worker) readMessage() (*livekit.ServerMessage, error) {
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("agent connection closed")
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		w.connMu.Lock()
		w.conn = nil
		w.connMu.Unlock()
		return nil, err
	}

	msg := &livekit.ServerMessage{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal server message: %w", err)
	}
	return msg, nil
}

func (w *Worker) writeMessage(msg *livekit.WorkerMessage) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("agent connection closed")
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal worker message: %w", err)
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *Worker) waitForJobs() {
	for {
		w.mu.RLock()
		jobs := make([]*JobRunner, 0, len(w.activeJobs))
		for _, runner := range w.activeJobs {
			jobs = append(jobs, runner)
		}
		w.mu.RUnlock()

		if len(jobs) == 0 {
			return
		}
		for _, runner := range jobs {
			runner.wg.Wait()
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (w *Worker) cancelAllJobs() {
	w.mu.RLock()
	jobs := make([]*JobRunner, 0, len(w.activeJobs))
	for _, runner := range w.activeJobs {
		jobs = append(jobs, runner)
	}
	w.mu.RUnlock()

	for _, runner := range jobs {
		runner.cancel()
	}

	done := make(chan struct{})
	go func() {
		for _, runner := range jobs {
			runner.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		logging.Info(logging.CategoryWorker, "all jobs cancelled and exited")
	case <-time.After(2 * time.Second):
		logging.Warning(logging.CategoryWorker, "timeout waiting for jobs to exit after cancellation")
	}
}

func (w *Worker) serveStatus() {
	defer w.wg.Done()
	api.Serve(w.ctx, w.cfg.StatusAddr, w.orchestrator)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
