package devserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"

	"trackchat/discovery"
	"trackchat/models"
)

const (
	DefaultListenAddr   = "127.0.0.1:8080"
	DefaultPingInterval = 30 * time.Second
	DefaultPongWait     = 60 * time.Second
	DefaultWriteWait    = 10 * time.Second

	// EventError is pushed to a socket whose sendMessage was rejected.
	EventError = "error"

	maxMessageSize  = 64 * 1024
	shutdownTimeout = 5 * time.Second
	notFoundMessage = "No chat found for this user"
)

var (
	errEmptyText       = errors.New("messageText is required")
	errMissingReceiver = errors.New("receiverId is required")
	errSenderMismatch  = errors.New("senderId does not match the connected user")
	errUnexpectedEvent = errors.New("unexpected event")
)

// Config controls the development backend.
type Config struct {
	ListenAddr  string
	DBPath      string
	AccessToken string

	// NatsURL enables cross-instance fan-out when set.
	NatsURL     string
	NatsSubject string

	// Employees seeds the roster; users are also added when they connect.
	Employees []models.Employee

	Advertise    bool
	ServerID     string
	InstanceName string

	AccessLog    bool
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration

	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.ServerID == "" {
		c.ServerID = uuid.NewString()
	}
	if c.InstanceName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "local"
		}
		c.InstanceName = "trackchat-" + host
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Server serves the history, trace and live socket endpoints.
type Server struct {
	cfg    Config
	logger *log.Logger

	app   *fiber.App
	store *Store
	hub   *Hub
	bus   Bus

	unsubscribe func()

	mu          sync.Mutex
	broadcaster *discovery.Broadcaster

	closeOnce sync.Once
	closeErr  error
}

// New opens the message store, connects the event bus and builds the routes.
func New(config Config) (*Server, error) {
	cfg := config.withDefaults()

	store, err := OpenStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	var bus Bus
	if cfg.NatsURL != "" {
		natsBus, err := newNATSBus(cfg.NatsURL, cfg.NatsSubject, cfg.Logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		bus = natsBus
	} else {
		bus = newLocalBus()
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		store:  store,
		hub:    newHub(cfg.Logger),
		bus:    bus,
	}

	for _, employee := range cfg.Employees {
		if err := store.UpsertEmployee(context.Background(), employee); err != nil {
			_ = bus.Close()
			_ = store.Close()
			return nil, err
		}
	}

	s.unsubscribe, err = bus.Subscribe(s.hub.Deliver)
	if err != nil {
		_ = bus.Close()
		_ = store.Close()
		return nil, err
	}

	s.app = s.routes()
	return s, nil
}

func (s *Server) routes() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "trackchat-devserver",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	if s.cfg.AccessLog {
		app.Use(fiberlogger.New(fiberlogger.Config{Output: s.logger.Writer()}))
	}

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "serverId": s.cfg.ServerID})
	})

	api := app.Group("/api/v1", s.requireToken)
	api.Get("/coworker-chats/messages", s.handleHistory)
	api.Get("/trace-employees-chats", s.handleTrace)
	api.Get("/get-all-employees", s.handleEmployees)
	api.Post("/create-location", s.handleCreateLocation)

	app.Use("/socket", s.requireToken, s.upgradeSocket)
	app.Get("/socket", websocket.New(s.handleSocket))

	return app
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.cfg.Advertise {
		if err := s.advertise(ln.Addr()); err != nil {
			s.logger.Printf("devserver: mDNS advertise failed err=%v", err)
		}
	}
	s.logger.Printf("devserver: listening addr=%s server_id=%s", ln.Addr(), s.cfg.ServerID)
	return s.app.Listener(ln)
}

// ListenAndServe listens on the configured address and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		_ = s.Shutdown()
		return err
	}
}

// Shutdown closes live sockets, stops the HTTP server and releases the store.
func (s *Server) Shutdown() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.broadcaster != nil {
			s.broadcaster.Stop()
			s.broadcaster = nil
		}
		s.mu.Unlock()

		s.hub.closeAll()
		if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			s.closeErr = errors.Join(s.closeErr, fmt.Errorf("shutdown http server: %w", err))
		}
		s.unsubscribe()
		if err := s.bus.Close(); err != nil {
			s.closeErr = errors.Join(s.closeErr, err)
		}
		if err := s.store.Close(); err != nil {
			s.closeErr = errors.Join(s.closeErr, fmt.Errorf("close message store: %w", err))
		}
	})
	return s.closeErr
}

// Hub exposes the live connection registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) advertise(addr net.Addr) error {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("unsupported listener address %T", addr)
	}

	broadcaster, err := discovery.StartBroadcaster(discovery.Config{
		ServerID:     s.cfg.ServerID,
		InstanceName: s.cfg.InstanceName,
		Port:         tcpAddr.Port,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.broadcaster = broadcaster
	s.mu.Unlock()
	s.logger.Printf("devserver: advertising instance=%q port=%d", s.cfg.InstanceName, tcpAddr.Port)
	return nil
}

func (s *Server) requireToken(c *fiber.Ctx) error {
	if s.cfg.AccessToken == "" {
		return c.Next()
	}
	want := "Bearer " + s.cfg.AccessToken
	if subtle.ConstantTimeCompare([]byte(c.Get(fiber.HeaderAuthorization)), []byte(want)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(models.ErrorResponse{Message: "Unauthorized"})
	}
	return c.Next()
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.Query("userId"))
	coworkerID := strings.TrimSpace(c.Query("coworkerId"))
	if userID == "" || coworkerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{Message: "userId and coworkerId are required"})
	}

	document, found, err := s.store.Conversation(c.UserContext(), userID, coworkerID)
	if err != nil {
		s.logger.Printf("devserver: history query failed user=%s coworker=%s err=%v", userID, coworkerID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{Message: "Internal server error"})
	}
	if !found {
		return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{Message: notFoundMessage})
	}

	return c.JSON(models.HistoryResponse{CoworkerChats: []models.ChatDocument{document}})
}

func (s *Server) handleTrace(c *fiber.Ctx) error {
	employee1 := strings.TrimSpace(c.Query("employeeId1"))
	employee2 := strings.TrimSpace(c.Query("employeeId2"))
	if employee1 == "" || employee2 == "" {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{Message: "employeeId1 and employeeId2 are required"})
	}

	first, err := s.store.ReceivedFrom(c.UserContext(), employee1, employee2)
	if err != nil {
		s.logger.Printf("devserver: trace query failed employee=%s err=%v", employee1, err)
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{Message: "Internal server error"})
	}
	second, err := s.store.ReceivedFrom(c.UserContext(), employee2, employee1)
	if err != nil {
		s.logger.Printf("devserver: trace query failed employee=%s err=%v", employee2, err)
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{Message: "Internal server error"})
	}

	return c.JSON([]models.ChatDocument{first, second})
}

func (s *Server) handleEmployees(c *fiber.Ctx) error {
	employees, err := s.store.ListEmployees(c.UserContext())
	if err != nil {
		s.logger.Printf("devserver: roster query failed err=%v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{Message: "Internal server error"})
	}
	return c.JSON(models.EmployeesResponse{Employees: employees})
}

func (s *Server) handleCreateLocation(c *fiber.Ctx) error {
	var report models.LocationReport
	if err := c.BodyParser(&report); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{Message: "Invalid location payload"})
	}
	report.UserID = strings.TrimSpace(report.UserID)
	if report.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{Message: "userId is required"})
	}
	if report.Latitude < -90 || report.Latitude > 90 || report.Longitude < -180 || report.Longitude > 180 {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{Message: "Coordinates out of range"})
	}

	ctx := c.UserContext()
	if err := s.store.EnsureEmployee(ctx, report.UserID); err != nil {
		s.logger.Printf("devserver: roster update failed user=%s err=%v", report.UserID, err)
	}
	if _, err := s.store.SaveLocation(ctx, report); err != nil {
		s.logger.Printf("devserver: location insert failed user=%s err=%v", report.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{Message: "Internal server error"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": "Location saved"})
}

func (s *Server) upgradeSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	userID := strings.TrimSpace(c.Query("userId"))
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{Message: "userId is required"})
	}
	if err := s.store.EnsureEmployee(c.UserContext(), userID); err != nil {
		s.logger.Printf("devserver: roster update failed user=%s err=%v", userID, err)
	}
	c.Locals("userId", userID)
	return c.Next()
}

func (s *Server) handleSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals("userId").(string)
	client := newSocketClient(uuid.NewString(), userID)
	s.hub.register(client)
	s.logger.Printf("devserver: socket connected user=%s conn=%s", userID, client.id)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(conn, client)
	}()

	s.readLoop(conn, client)

	s.hub.unregister(client)
	wg.Wait()
	s.logger.Printf("devserver: socket closed user=%s conn=%s", userID, client.id)
}

func (s *Server) readLoop(conn *websocket.Conn, client *socketClient) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Printf("devserver: socket read failed user=%s err=%v", client.userID, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		if err := s.handleFrame(client, payload); err != nil {
			s.logger.Printf("devserver: rejected frame user=%s err=%v", client.userID, err)
			s.sendError(client, err)
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, client *socketClient) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-client.out:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Printf("devserver: socket write failed user=%s err=%v", client.userID, err)
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		case <-client.done:
			closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(s.cfg.WriteWait))
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) handleFrame(client *socketClient, payload []byte) error {
	var envelope models.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Event != models.EventSendMessage {
		return fmt.Errorf("%w %q", errUnexpectedEvent, envelope.Event)
	}

	var message models.OutboundMessage
	if err := json.Unmarshal(envelope.Data, &message); err != nil {
		return fmt.Errorf("decode %s: %w", models.EventSendMessage, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteWait)
	defer cancel()
	_, err := s.accept(ctx, client.userID, message)
	return err
}

// accept validates, stores and publishes one outbound message.
func (s *Server) accept(ctx context.Context, userID string, message models.OutboundMessage) (ChatMessage, error) {
	if strings.TrimSpace(message.MessageText) == "" {
		return ChatMessage{}, errEmptyText
	}
	if message.ReceiverID == "" {
		return ChatMessage{}, errMissingReceiver
	}
	if message.SenderID == "" {
		message.SenderID = userID
	}
	if message.SenderID != userID {
		return ChatMessage{}, errSenderMismatch
	}

	stored, err := s.store.SaveMessage(ctx, ChatMessage{
		SenderID:   message.SenderID,
		ReceiverID: message.ReceiverID,
		Text:       message.MessageText,
	})
	if err != nil {
		return ChatMessage{}, err
	}

	if err := s.bus.Publish(stored.LiveEvent()); err != nil {
		return stored, fmt.Errorf("publish message %q: %w", stored.ID, err)
	}
	return stored, nil
}

func (s *Server) sendError(client *socketClient, cause error) {
	frame, err := encodeEnvelope(EventError, models.ErrorResponse{Message: cause.Error()})
	if err != nil {
		return
	}
	select {
	case client.out <- frame:
	default:
	}
}
