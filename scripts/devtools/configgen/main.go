// Command configgen writes starter config files for the service and the
// CLI. The repository ships no configs; this tool produces a working pair
// with a fresh JWT secret so a checkout can run without hand-editing.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const forgeTemplate = `# ojforge service configuration. Keys omitted here fall back to the
# defaults applied at startup.
server:
  addr: "%s"

logger:
  level: info
  format: console
  outputpath: stdout
  errorpath: stderr

auth:
  jwtSecret: "%s"
  jwtIssuer: ojforge
  openRegistration: false

database:
  driver: sqlite
  path: data/ojforge.db

redis:
  addr: "%s"
  db: 0

workspace:
  root: data/workspaces

concurrency:
  global_tasks: 4
  per_user: 2
  stage_fetch: 4
  stage_upload: 2
  stage_solve: 2
  llm_total: 4
  llm_per_provider: 2
  compile: 2
  queue_size: 64
  task_timeout_seconds: 600

pipeline:
  caseCount: 10
  minCases: 5
  temperature: 0.7
  solveLanguage: cpp

events:
  backlog: 256
  mirrorEnabled: false

# Uncomment to mirror progress events to Kafka.
# kafka:
#   brokers: ["127.0.0.1:9092"]

# Uncomment to archive finished workspaces to MinIO.
# archive:
#   enabled: true
#   bucket: ojforge-archives
#   minio:
#     endpoint: 127.0.0.1:9000
#     access_key: minioadmin
#     secret_key: minioadmin
#     use_ssl: false
`

const cliTemplate = `# ojforge CLI configuration.
baseURL: "%s"
tokenStatePath: configs/cli_state.json
historyPath: configs/cli_history
prettyJSON: true
`

func main() {
	outputDir := flag.String("output-dir", "configs", "Directory to write the generated configs")
	addr := flag.String("addr", "0.0.0.0:8080", "Service listen address written into forge.yaml")
	redisAddr := flag.String("redis", "127.0.0.1:6379", "Redis address written into forge.yaml")
	force := flag.Bool("force", false, "Overwrite existing files")
	flag.Parse()

	secret, err := randomSecret()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate jwt secret failed: %v\n", err)
		os.Exit(1)
	}
	baseURL, err := clientBaseURL(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "derive cli base url failed: %v\n", err)
		os.Exit(1)
	}

	files := map[string]string{
		"forge.yaml": fmt.Sprintf(forgeTemplate, *addr, secret, *redisAddr),
		"cli.yaml":   fmt.Sprintf(cliTemplate, baseURL),
	}

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create output directory failed: %v\n", err)
		os.Exit(1)
	}

	for _, name := range []string{"forge.yaml", "cli.yaml"} {
		body := files[name]
		if err := checkYAML(body); err != nil {
			fmt.Fprintf(os.Stderr, "rendered %s is invalid: %v\n", name, err)
			os.Exit(1)
		}
		path := filepath.Join(*outputDir, name)
		if _, err := os.Stat(path); err == nil && !*force {
			fmt.Fprintf(os.Stderr, "%s already exists, skipping (use -force to overwrite)\n", path)
			continue
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write %s failed: %v\n", name, err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", path)
	}
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// clientBaseURL turns the service listen address into an address the CLI
// can dial. Wildcard hosts become loopback.
func clientBaseURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parse listen address failed: %w", err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, port)), nil
}

func checkYAML(body string) error {
	var value map[string]interface{}
	return yaml.Unmarshal([]byte(body), &value)
}
