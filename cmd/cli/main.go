package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

const (
	defaultServerURL = "http://localhost:8080"
	version          = "0.1.0"
)

type CLIConfig struct {
	ServerURL string
	Token     string
	Verbose   bool
	client    *http.Client
}

type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

func main() {
	var (
		serverURL = flag.String("server", defaultServerURL, "Log anomaly engine URL")
		token     = flag.String("token", os.Getenv("LAE_TOKEN"), "Bearer token for /api/v1 routes")
		verbose   = flag.Bool("v", false, "Verbose output")
		command   = flag.String("cmd", "", "Command to execute")
		help      = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help || *command == "" {
		showHelp()
		return
	}

	config := CLIConfig{
		ServerURL: *serverURL,
		Token:     *token,
		Verbose:   *verbose,
		client:    &http.Client{Timeout: 30 * time.Second},
	}

	args := flag.Args()

	var err error
	switch *command {
	case "ingest":
		err = handleIngest(config, args)
	case "detect":
		err = handleDetect(config, args)
	case "report":
		err = handleReport(config, args)
	case "baseline":
		err = handleBaseline(config, args)
	case "series":
		err = handleSimple(config, "/api/v1/series", "Counter series")
	case "stats":
		err = handleSimple(config, "/api/v1/stats", "System statistics")
	case "health":
		err = handleHealth(config)
	case "demo":
		err = handleDemo(config, args)
	case "benchmark":
		err = handleBenchmark(config, args)
	default:
		fmt.Printf("Unknown command: %s\n", *command)
		showHelp()
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func showHelp() {
	fmt.Printf(`Log Anomaly Engine CLI v%s

USAGE:
    lae-cli --cmd <command> [options] [args]

COMMANDS:
    ingest    - Send a log event, or a file of plain-text log lines
    detect    - Detect anomalies in one metric (log-volume or error-rate)
    report    - Ranked anomaly report across metrics
    baseline  - Baseline statistics for a metric
    series    - List counter series
    stats     - Show system statistics
    health    - Check system health
    demo      - Send synthetic traffic with an injected spike and error burst
    benchmark - Run an ingestion benchmark

INGESTION:
    lae-cli --cmd ingest --service payment-service --level ERROR --message "card declined"
    lae-cli --cmd ingest --file app.log

DETECTION:
    lae-cli --cmd detect --metric log-volume --service payment-service --window 60
    lae-cli --cmd detect --metric error-rate --window 120 --bucket 5 --sensitivity 1.5
    lae-cli --cmd report --window 60 --metrics log_volume,error_rate
    lae-cli --cmd baseline --metric error_rate --service payment-service

OPTIONS:
    --server   Server URL (default: http://localhost:8080)
    --token    Bearer token (default: $LAE_TOKEN)
    --v        Verbose output
    --help     Show this help message

`, version)
}

func handleIngest(config CLIConfig, args []string) error {
	if file := getArg(args, "--file", ""); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		var result map[string]interface{}
		if err := config.do(http.MethodPost, "/api/v1/logs/raw", "text/plain", data, http.StatusCreated, &result); err != nil {
			return err
		}
		fmt.Printf("✓ Ingested %v lines (%v rejected)\n", result["accepted"], result["rejected"])
		return nil
	}

	event := LogEvent{
		Timestamp: time.Now().UTC(),
		Service:   getArg(args, "--service", ""),
		Level:     getArg(args, "--level", "INFO"),
		Message:   getArg(args, "--message", ""),
	}
	if event.Service == "" {
		return fmt.Errorf("--service is required")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := config.do(http.MethodPost, "/api/v1/logs", "application/json", body, http.StatusCreated, nil); err != nil {
		return err
	}
	fmt.Printf("✓ Ingested %s event for %s\n", event.Level, event.Service)
	return nil
}

func detectionQuery(args []string) url.Values {
	q := url.Values{}
	q.Set("window_minutes", getArg(args, "--window", "60"))
	q.Set("bucket_minutes", getArg(args, "--bucket", "1"))
	if service := getArg(args, "--service", ""); service != "" {
		q.Set("service", service)
	}
	if sensitivity := getArg(args, "--sensitivity", ""); sensitivity != "" {
		q.Set("sensitivity", sensitivity)
	}
	return q
}

func handleDetect(config CLIConfig, args []string) error {
	metric := getArg(args, "--metric", "log-volume")
	if metric != "log-volume" && metric != "error-rate" {
		return fmt.Errorf("--metric must be log-volume or error-rate")
	}

	var result struct {
		Count     int                      `json:"count"`
		Anomalies []map[string]interface{} `json:"anomalies"`
	}
	path := "/api/v1/anomaly/detect/" + metric + "?" + detectionQuery(args).Encode()
	if err := config.do(http.MethodGet, path, "", nil, http.StatusOK, &result); err != nil {
		return err
	}

	fmt.Printf("🔍 %s: %d anomalies\n", metric, result.Count)
	printAnomalies(result.Anomalies)
	if config.Verbose {
		printJSON(result)
	}
	return nil
}

func handleReport(config CLIConfig, args []string) error {
	q := detectionQuery(args)
	if metrics := getArg(args, "--metrics", ""); metrics != "" {
		q.Set("metrics", metrics)
	}

	var report struct {
		PeriodStart         time.Time                `json:"period_start"`
		PeriodEnd           time.Time                `json:"period_end"`
		TotalAnomalies      int                      `json:"total_anomalies"`
		AnomaliesBySeverity map[string]int           `json:"anomalies_by_severity"`
		Anomalies           []map[string]interface{} `json:"anomalies"`
	}
	if err := config.do(http.MethodGet, "/api/v1/anomaly/report?"+q.Encode(), "", nil, http.StatusOK, &report); err != nil {
		return err
	}

	fmt.Printf("📋 Anomaly report %s to %s\n", report.PeriodStart.Format(time.RFC3339), report.PeriodEnd.Format(time.RFC3339))
	fmt.Printf("Total: %d", report.TotalAnomalies)
	for _, sev := range []string{"critical", "high", "medium", "low"} {
		if n := report.AnomaliesBySeverity[sev]; n > 0 {
			fmt.Printf("  %s=%d", sev, n)
		}
	}
	fmt.Println()
	printAnomalies(report.Anomalies)
	if config.Verbose {
		printJSON(report)
	}
	return nil
}

func handleBaseline(config CLIConfig, args []string) error {
	q := detectionQuery(args)
	q.Set("metric", getArg(args, "--metric", "log_volume"))

	var stats map[string]interface{}
	if err := config.do(http.MethodGet, "/api/v1/anomaly/baseline?"+q.Encode(), "", nil, http.StatusOK, &stats); err != nil {
		return err
	}
	fmt.Printf("📊 Baseline for %v\n", stats["metric_name"])
	printJSON(stats)
	return nil
}

func handleSimple(config CLIConfig, path, title string) error {
	var result map[string]interface{}
	if err := config.do(http.MethodGet, path, "", nil, http.StatusOK, &result); err != nil {
		return err
	}
	fmt.Println(title)
	printJSON(result)
	return nil
}

func handleHealth(config CLIConfig) error {
	var result map[string]interface{}
	if err := config.do(http.MethodGet, "/health", "", nil, http.StatusOK, &result); err != nil {
		fmt.Printf("❌ Health check failed: %v\n", err)
		return nil
	}
	fmt.Println("✅ System is healthy")
	if config.Verbose {
		printJSON(result)
	}
	return nil
}

func handleDemo(config CLIConfig, args []string) error {
	minutes, err := strconv.Atoi(getArg(args, "--minutes", "60"))
	if err != nil || minutes < 10 {
		return fmt.Errorf("--minutes must be an integer >= 10")
	}
	rate, err := strconv.Atoi(getArg(args, "--rate", "20"))
	if err != nil || rate <= 0 {
		return fmt.Errorf("--rate must be a positive integer")
	}
	service := getArg(args, "--service", "demo-service")

	fmt.Printf("🚀 Generating %d minutes of traffic for %s (~%d events/min)\n", minutes, service, rate)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	events := demoEvents(rng, service, time.Now().UTC().Truncate(time.Minute), minutes, rate)

	const chunk = 500
	for start := 0; start < len(events); start += chunk {
		end := start + chunk
		if end > len(events) {
			end = len(events)
		}
		body, err := json.Marshal(map[string]interface{}{"events": events[start:end]})
		if err != nil {
			return err
		}
		if err := config.do(http.MethodPost, "/api/v1/logs/batch", "application/json", body, http.StatusCreated, nil); err != nil {
			return err
		}
	}

	fmt.Printf("🎉 Sent %d events\n", len(events))
	fmt.Printf("\nTry these commands:\n")
	fmt.Printf("  lae-cli --cmd detect --metric log-volume --service %s --window %d\n", service, minutes)
	fmt.Printf("  lae-cli --cmd detect --metric error-rate --service %s --window %d\n", service, minutes)
	fmt.Printf("  lae-cli --cmd report --window %d\n", minutes)
	return nil
}

// demoEvents produces steady traffic ending at now, with a volume spike
// five minutes ago and an error burst over the last three minutes.
func demoEvents(rng *rand.Rand, service string, now time.Time, minutes, rate int) []LogEvent {
	var events []LogEvent
	for m := minutes - 1; m >= 0; m-- {
		minute := now.Add(-time.Duration(m) * time.Minute)

		count := rate + rng.Intn(rate/5+1) - rate/10
		if m == 5 {
			count = rate * 10
		}
		errorShare := 0.01
		if m < 3 {
			errorShare = 0.3
		}

		for i := 0; i < count; i++ {
			level, message := "INFO", "request served"
			if rng.Float64() < errorShare {
				level, message = "ERROR", "upstream timeout"
			}
			events = append(events, LogEvent{
				Timestamp: minute.Add(time.Duration(rng.Intn(60)) * time.Second),
				Service:   service,
				Level:     level,
				Message:   message,
			})
		}
	}
	return events
}

func handleBenchmark(config CLIConfig, args []string) error {
	dur, err := time.ParseDuration(getArg(args, "--duration", "30s"))
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	concurrent, err := strconv.Atoi(getArg(args, "--concurrency", "10"))
	if err != nil || concurrent <= 0 {
		return fmt.Errorf("--concurrency must be a positive integer")
	}

	fmt.Printf("🏃 Running benchmark: %d concurrent clients for %s\n", concurrent, dur)

	start := time.Now()
	totalRequests := make(chan int, concurrent)

	for i := 0; i < concurrent; i++ {
		go func(workerID int) {
			requests := 0
			for time.Since(start) < dur {
				body, _ := json.Marshal(LogEvent{
					Timestamp: time.Now().UTC(),
					Service:   fmt.Sprintf("bench-%d", workerID),
					Level:     "INFO",
					Message:   "benchmark",
				})
				if config.do(http.MethodPost, "/api/v1/logs", "application/json", body, http.StatusCreated, nil) == nil {
					requests++
				}
			}
			totalRequests <- requests
		}(i)
	}

	total := 0
	for i := 0; i < concurrent; i++ {
		total += <-totalRequests
	}

	elapsed := time.Since(start)
	fmt.Printf("📊 Benchmark Results:\n")
	fmt.Printf("  Duration: %v\n", elapsed)
	fmt.Printf("  Total Requests: %d\n", total)
	fmt.Printf("  Requests/sec: %.2f\n", float64(total)/elapsed.Seconds())
	fmt.Printf("  Concurrent Workers: %d\n", concurrent)
	return nil
}

// do sends a request and decodes the JSON response into out when non-nil
func (c CLIConfig) do(method, path, contentType string, body []byte, want int, out interface{}) error {
	req, err := http.NewRequest(method, c.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != want {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printAnomalies(anomalies []map[string]interface{}) {
	for _, a := range anomalies {
		fmt.Printf("  [%-8v] %v\n", a["severity"], a["description"])
	}
}

func printJSON(v interface{}) {
	prettyJSON, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(prettyJSON))
}

func getArg(args []string, flag, defaultValue string) string {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return defaultValue
}
