// Package winrm reads CIM class properties from Windows hosts over WinRM.
// A query's object name is the CIM class and its attributes are property
// names; every instance yields one result per property.
package winrm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/masterzen/winrm"

	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/reader"
)

const (
	Protocol         = "winrm"
	DefaultHTTPPort  = 5985
	DefaultHTTPSPort = 5986
	objDomain        = "cim"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds reader-wide settings.
type Config struct {
	Timeout time.Duration

	// Insecure skips certificate verification on HTTPS endpoints.
	Insecure bool
	Logger   *slog.Logger
}

type runner interface {
	RunWithContextWithString(ctx context.Context, command string, stdin string) (string, string, int, error)
}

// Reader runs one Get-CimInstance per query.
type Reader struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	newClient func(server *model.Server) (runner, error)
}

func New(cfg Config) *Reader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reader{cfg: cfg, logger: logger.With("component", "winrm_reader"), now: time.Now}
	r.newClient = r.dial
	return r
}

func (r *Reader) dial(server *model.Server) (runner, error) {
	port := server.Port
	if port == 0 {
		port = DefaultHTTPPort
		if server.UseHTTPS {
			port = DefaultHTTPSPort
		}
	}
	endpoint := winrm.NewEndpoint(server.Host, port, server.UseHTTPS, r.cfg.Insecure, nil, nil, nil, r.cfg.Timeout)
	client, err := winrm.NewClient(endpoint, server.Username, server.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to create WinRM client: %w", err)
	}
	return client, nil
}

func (r *Reader) Read(ctx context.Context, server *model.Server, query *model.Query) ([]model.Result, error) {
	script, err := buildScript(query)
	if err != nil {
		return nil, err
	}

	client, err := r.newClient(server)
	if err != nil {
		return nil, err
	}

	stdout, stderr, exitCode, err := client.RunWithContextWithString(ctx, script, "")
	if err != nil {
		return nil, fmt.Errorf("WinRM execution on %s failed: %w", server.Address(), err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("PowerShell command on %s failed (exit code %d): %s", server.Address(), exitCode, strings.TrimSpace(stderr))
	}

	instances, err := parseInstances(stdout)
	if err != nil {
		return nil, fmt.Errorf("invalid output from %s: %w", server.Address(), err)
	}
	return toResults(query, instances, r.now().UnixMilli()), nil
}

// buildScript renders the PowerShell command for query. Class and property
// names are restricted to identifiers since they are spliced into the script.
func buildScript(query *model.Query) (string, error) {
	if !identifier.MatchString(query.ObjectName) {
		return "", fmt.Errorf("invalid CIM class name %q", query.ObjectName)
	}
	props := []string{"Name"}
	for _, a := range query.Attributes {
		if !identifier.MatchString(a) {
			return "", fmt.Errorf("invalid property name %q", a)
		}
		if a != "Name" {
			props = append(props, a)
		}
	}

	ps := fmt.Sprintf("Get-CimInstance -ClassName %s | Select-Object %s | ConvertTo-Json -Compress",
		query.ObjectName, strings.Join(props, ","))
	return fmt.Sprintf(`powershell.exe -NoProfile -NonInteractive -Command "%s"`, ps), nil
}

// parseInstances accepts either a single JSON object or an array of them.
func parseInstances(stdout string) ([]map[string]any, error) {
	stdout = strings.TrimSpace(stdout)
	if stdout == "" {
		return nil, nil
	}
	if strings.HasPrefix(stdout, "[") {
		var out []map[string]any
		if err := json.Unmarshal([]byte(stdout), &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var one map[string]any
	if err := json.Unmarshal([]byte(stdout), &one); err != nil {
		return nil, err
	}
	return []map[string]any{one}, nil
}

func toResults(query *model.Query, instances []map[string]any, epoch int64) []model.Result {
	alias := reader.KeyAlias(query)
	var results []model.Result
	for _, inst := range instances {
		typeName := ""
		if name, ok := inst["Name"]; ok && name != nil {
			typeName = fmt.Sprintf("Name=%v", name)
		}

		attrs := query.Attributes
		if len(attrs) == 0 {
			attrs = make([]string, 0, len(inst))
			for k := range inst {
				if k != "Name" {
					attrs = append(attrs, k)
				}
			}
		}

		for _, attr := range attrs {
			v, ok := inst[attr]
			if !ok || v == nil {
				continue
			}
			results = append(results, model.Result{
				ObjDomain:     objDomain,
				ClassName:     query.ObjectName,
				TypeName:      typeName,
				AttributeName: attr,
				Values:        map[string]any{"value": v},
				Epoch:         epoch,
				KeyAlias:      alias,
			})
		}
	}
	return results
}
