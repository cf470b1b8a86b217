package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"trackchat/api"
	"trackchat/chat"
	"trackchat/config"
	"trackchat/devserver"
	"trackchat/discovery"
	"trackchat/models"
	"trackchat/storage"
	"trackchat/transport"
)

const version = "0.1.0"

const usage = `usage: trackchat <command> [flags]

commands:
  chat      open a live conversation with a coworker
  history   print the conversation history with a coworker
  trace     print the merged transcript between two employees
  employees list the employee roster
  report-location
            report the device location to the backend every minute
  serve     run the development backend
  discover  list backends advertised on the local network
  version   print the version
  help      print this help
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command, args := os.Args[1], os.Args[2:]
	var err error
	switch command {
	case "chat":
		err = runChat(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	case "trace":
		err = runTrace(ctx, args)
	case "employees":
		err = runEmployees(ctx, args)
	case "report-location":
		err = runReportLocation(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	case "discover":
		err = runDiscover(ctx, args)
	case "version":
		fmt.Printf("trackchat %s\n", version)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("%s failed: %v", command, err)
	}
}

// clientFlags are shared by commands that talk to a backend.
type clientFlags struct {
	user    string
	backend string
	debug   bool
}

func (f *clientFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.user, "user", "", "local user ID (overrides config)")
	fs.StringVar(&f.backend, "backend", "", "backend base URL (overrides config and discovery)")
	fs.BoolVar(&f.debug, "debug", false, "log rejected live events")
}

func loadConfig(flags clientFlags) (*config.ClientConfig, string, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	if flags.user != "" {
		cfg.UserID = strings.TrimSpace(flags.user)
	}
	if flags.backend != "" {
		cfg.BackendURL = strings.TrimRight(strings.TrimSpace(flags.backend), "/")
	}
	return cfg, cfgPath, nil
}

// resolveBackend returns the configured backend URL or locates one over mDNS.
func resolveBackend(ctx context.Context, cfg *config.ClientConfig) (string, error) {
	if cfg.BackendURL != "" {
		return cfg.BackendURL, nil
	}
	if !cfg.DiscoveryEnabled {
		return "", errors.New("no backend URL configured and discovery is disabled")
	}

	backend, err := discovery.Locate(ctx, discovery.Config{Service: cfg.DiscoveryService})
	if err != nil {
		return "", fmt.Errorf("locate backend: %w", err)
	}
	log.Printf("discovery: using backend id=%s name=%q url=%s", backend.ServerID, backend.Name, backend.URL())
	return backend.URL(), nil
}

func newAPIClient(baseURL string, cfg *config.ClientConfig) (*api.Client, error) {
	return api.NewClient(api.Config{
		BaseURL:     baseURL,
		AccessToken: cfg.AccessToken,
		Timeout:     cfg.Timeout(),
	})
}

func runChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	var flags clientFlags
	flags.register(fs)
	peer := fs.String("peer", "", "coworker user ID")
	_ = fs.Parse(args)

	if strings.TrimSpace(*peer) == "" {
		return errors.New("-peer is required")
	}

	cfg, cfgPath, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if cfg.UserID == "" {
		return fmt.Errorf("no user ID; set user_id in %s or pass -user", cfgPath)
	}

	baseURL, err := resolveBackend(ctx, cfg)
	if err != nil {
		return err
	}

	history, err := newAPIClient(baseURL, cfg)
	if err != nil {
		return err
	}

	conn, err := transport.Connect(ctx, transport.Config{
		BaseURL:     baseURL,
		UserID:      cfg.UserID,
		AccessToken: cfg.AccessToken,
		Debug:       flags.debug,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	options := chat.Options{
		LocalUserID:  cfg.UserID,
		PeerUserID:   strings.TrimSpace(*peer),
		History:      history,
		Transport:    conn,
		FetchTimeout: cfg.Timeout(),
		Debug:        flags.debug,
		Notifier: chat.NotifierFunc(func(notice chat.Notice) {
			fmt.Fprintf(os.Stderr, "! %s\n", notice.Text)
		}),
	}

	if cfg.ArchiveEnabled {
		store, dbPath, err := storage.Open(filepath.Dir(cfgPath))
		if err != nil {
			log.Printf("archive: disabled, open failed err=%v", err)
		} else {
			defer func() {
				if err := store.Close(); err != nil {
					log.Printf("archive: close error err=%v", err)
				}
			}()
			log.Printf("archive: recording to %s", dbPath)
			options.Recorder = store
		}
	}

	session, err := chat.Open(ctx, options)
	if err != nil {
		return err
	}
	defer session.Close()

	fmt.Printf("Chatting with %s as %s (Ctrl+C to quit)\n", options.PeerUserID, cfg.UserID)
	go readInput(ctx, session)

	printer := newTranscriptPrinter(os.Stdout, options.PeerUserID)
	lastState := chat.State("")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return errors.New("connection closed")
		case render, ok := <-session.Updates():
			if !ok {
				return nil
			}
			if render.State != lastState {
				lastState = render.State
				printState(render)
			}
			printer.Print(render.Messages)
		}
	}
}

func readInput(ctx context.Context, session *chat.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := session.Send(ctx, scanner.Text()); err != nil && !errors.Is(err, chat.ErrEmptyMessage) {
			log.Printf("chat: send failed err=%v", err)
		}
	}
}

func printState(render chat.Render) {
	switch render.State {
	case chat.StateLoading:
		fmt.Println("-- loading history")
	case chat.StateNoHistory:
		fmt.Println("-- no earlier messages")
	case chat.StateFetchFailed:
		fmt.Printf("-- history unavailable: %v\n", render.Err)
	case chat.StateClosed:
		fmt.Println("-- closed")
	}
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	var flags clientFlags
	flags.register(fs)
	peer := fs.String("peer", "", "coworker user ID; empty lists archived conversations with -offline")
	offline := fs.Bool("offline", false, "read the local archive instead of the backend")
	limit := fs.Int("limit", 100, "maximum archived messages to print")
	_ = fs.Parse(args)

	cfg, cfgPath, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if cfg.UserID == "" {
		return fmt.Errorf("no user ID; set user_id in %s or pass -user", cfgPath)
	}
	peerID := strings.TrimSpace(*peer)

	if *offline {
		return printArchive(filepath.Dir(cfgPath), cfg.UserID, peerID, *limit)
	}
	if peerID == "" {
		return errors.New("-peer is required")
	}

	baseURL, err := resolveBackend(ctx, cfg)
	if err != nil {
		return err
	}
	client, err := newAPIClient(baseURL, cfg)
	if err != nil {
		return err
	}

	snapshot, err := client.FetchHistory(ctx, cfg.UserID, peerID)
	if errors.Is(err, chat.ErrNoHistory) {
		fmt.Println("-- no earlier messages")
		return nil
	}
	if err != nil {
		return err
	}
	for _, message := range chat.Merge(snapshot.Received, snapshot.Sent) {
		printMessage(os.Stdout, peerID, message)
	}
	return nil
}

func printArchive(dataDir, ownerID, peerID string, limit int) error {
	store, _, err := storage.Open(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if peerID == "" {
		summaries, err := store.ListConversations(ownerID)
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("-- archive is empty")
		}
		for _, summary := range summaries {
			fmt.Printf("%-24s %5d messages  %s .. %s\n",
				summary.PeerID, summary.MessageCount,
				summary.FirstMessage.Local().Format("2006-01-02"),
				summary.LastMessage.Local().Format("2006-01-02"))
		}
		return nil
	}

	archived, err := store.GetConversation(ownerID, peerID, limit, 0)
	if err != nil {
		return err
	}
	if len(archived) == 0 {
		fmt.Println("-- no archived messages")
	}
	for _, message := range archived {
		printMessage(os.Stdout, peerID, models.DisplayMessage{
			Message:   models.Message{Text: message.Text, Timestamp: message.Timestamp},
			Direction: message.Direction,
		})
	}
	return nil
}

func runTrace(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	var flags clientFlags
	flags.register(fs)
	employee1 := fs.String("e1", "", "first employee ID")
	employee2 := fs.String("e2", "", "second employee ID")
	selected := fs.String("employee", "", "trace this employee against everyone else on the roster")
	_ = fs.Parse(args)

	first, second := strings.TrimSpace(*employee1), strings.TrimSpace(*employee2)
	selectedID := strings.TrimSpace(*selected)
	if (first == "" || second == "") && selectedID == "" {
		return errors.New("-e1 and -e2, or -employee, are required")
	}

	cfg, _, err := loadConfig(flags)
	if err != nil {
		return err
	}
	baseURL, err := resolveBackend(ctx, cfg)
	if err != nil {
		return err
	}
	client, err := newAPIClient(baseURL, cfg)
	if err != nil {
		return err
	}

	if first != "" && second != "" {
		return printTrace(ctx, client, first, second)
	}

	employees, err := client.ListEmployees(ctx)
	if err != nil {
		return err
	}
	pairs := chat.TracePairs(employees, selectedID)
	if pairs == nil {
		return fmt.Errorf("employee %q is not on the roster", selectedID)
	}
	if len(pairs) == 0 {
		fmt.Println("-- no other employees on the roster")
	}
	for _, pair := range pairs {
		fmt.Printf("== %s <-> %s\n", employeeLabel(pair.First), employeeLabel(pair.Second))
		if err := printTrace(ctx, client, pair.First.ID, pair.Second.ID); err != nil {
			return err
		}
	}
	return nil
}

func printTrace(ctx context.Context, client *api.Client, employee1, employee2 string) error {
	documents, err := client.TraceChats(ctx, employee1, employee2)
	if err != nil {
		return err
	}
	transcript := chat.MergeTrace(employee1, employee2, documents)
	if len(transcript) == 0 {
		fmt.Println("-- no messages between these employees")
	}
	for _, message := range transcript {
		fmt.Printf("[%s] -> %s: %s\n", message.Timestamp.Local().Format("2006-01-02 15:04"), message.ReceivedBy, message.Text)
	}
	return nil
}

func employeeLabel(employee models.Employee) string {
	if employee.Name == "" || employee.Name == employee.ID {
		return employee.ID
	}
	return fmt.Sprintf("%s (%s)", employee.Name, employee.ID)
}

func runEmployees(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("employees", flag.ExitOnError)
	var flags clientFlags
	flags.register(fs)
	_ = fs.Parse(args)

	cfg, _, err := loadConfig(flags)
	if err != nil {
		return err
	}
	baseURL, err := resolveBackend(ctx, cfg)
	if err != nil {
		return err
	}
	client, err := newAPIClient(baseURL, cfg)
	if err != nil {
		return err
	}

	employees, err := client.ListEmployees(ctx)
	if err != nil {
		return err
	}
	roster := chat.Roster(employees, cfg.UserID)
	if len(roster) == 0 {
		fmt.Println("-- roster is empty")
	}
	for _, employee := range roster {
		fmt.Printf("%-24s %-10s %s\n", employee.ID, employee.Role, employee.Name)
	}
	return nil
}

func runReportLocation(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("report-location", flag.ExitOnError)
	var flags clientFlags
	flags.register(fs)
	latitude := fs.Float64("lat", 0, "latitude in degrees")
	longitude := fs.Float64("lon", 0, "longitude in degrees")
	latitudeDelta := fs.Float64("lat-delta", models.DefaultLocationDelta, "map latitude span")
	longitudeDelta := fs.Float64("lon-delta", models.DefaultLocationDelta, "map longitude span")
	interval := fs.Duration("interval", time.Minute, "time between reports")
	once := fs.Bool("once", false, "send a single report and exit")
	_ = fs.Parse(args)

	if *interval <= 0 {
		return errors.New("-interval must be positive")
	}

	cfg, cfgPath, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if cfg.UserID == "" {
		return fmt.Errorf("no user ID; set user_id in %s or pass -user", cfgPath)
	}
	baseURL, err := resolveBackend(ctx, cfg)
	if err != nil {
		return err
	}
	client, err := newAPIClient(baseURL, cfg)
	if err != nil {
		return err
	}

	report := models.LocationReport{
		UserID:         cfg.UserID,
		Latitude:       *latitude,
		Longitude:      *longitude,
		LatitudeDelta:  *latitudeDelta,
		LongitudeDelta: *longitudeDelta,
	}
	if *once {
		return client.ReportLocation(ctx, report)
	}
	return reportLocationLoop(ctx, client, report, *interval)
}

// locationReporter is the part of api.Client the report loop needs.
type locationReporter interface {
	ReportLocation(ctx context.Context, report models.LocationReport) error
}

// reportLocationLoop reports immediately and then on every tick until ctx
// ends. Failed reports are logged and retried on the next tick.
func reportLocationLoop(ctx context.Context, reporter locationReporter, report models.LocationReport, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := reporter.ReportLocation(ctx, report); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("location: report failed user=%s err=%v", report.UserID, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runServe(ctx context.Context, args []string) error {
	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", cfg.DevServer.ListenAddr, "listen address")
	dbPath := fs.String("db", cfg.DevServer.DBPath, "SQLite database path")
	natsURL := fs.String("nats", cfg.DevServer.NatsURL, "NATS URL for multi-instance fan-out")
	advertise := fs.Bool("advertise", cfg.DevServer.Advertise, "advertise over mDNS")
	accessLog := fs.Bool("access-log", false, "log every HTTP request")
	_ = fs.Parse(args)

	server, err := devserver.New(devserver.Config{
		ListenAddr:  *listen,
		DBPath:      *dbPath,
		AccessToken: cfg.AccessToken,
		NatsURL:     *natsURL,
		Advertise:   *advertise,
		Employees:   cfg.DevServer.Employees,
		ServerID:    cfg.ClientID,
		AccessLog:   *accessLog,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Listen Address:  %s\n", *listen)
	fmt.Printf("Database File:   %s\n", *dbPath)
	if *natsURL != "" {
		fmt.Printf("NATS:            %s\n", *natsURL)
	}
	fmt.Println("Status:          running (press Ctrl+C to stop)")
	err = server.ListenAndServe(ctx)
	fmt.Println("Status:          stopped")
	return err
}

func runDiscover(ctx context.Context, args []string) error {
	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	watch := fs.Bool("watch", false, "keep scanning and print changes")
	_ = fs.Parse(args)

	scanner, err := discovery.NewBackendScanner(discovery.Config{Service: cfg.DiscoveryService})
	if err != nil {
		return err
	}

	if err := scanner.Start(); err != nil {
		return err
	}
	defer scanner.Stop()

	if !*watch {
		if err := scanner.Refresh(ctx); err != nil {
			return err
		}
		backends := scanner.ListBackends()
		if len(backends) == 0 {
			fmt.Println("-- no backends found")
		}
		for _, backend := range backends {
			fmt.Printf("%s  %-20s v%d  %s\n", backend.ServerID, backend.Name, backend.Version, backend.URL())
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-scanner.Events():
			if !ok {
				return nil
			}
			switch event.Type {
			case discovery.EventBackendUpserted:
				log.Printf("discovery: backend available id=%s name=%q url=%s", event.Backend.ServerID, event.Backend.Name, event.Backend.URL())
			case discovery.EventBackendRemoved:
				log.Printf("discovery: backend removed id=%s", event.Backend.ServerID)
			default:
				log.Printf("discovery: event=%s id=%s", event.Type, event.Backend.ServerID)
			}
		}
	}
}
