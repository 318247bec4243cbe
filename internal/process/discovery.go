package process

import (
	"bufio"
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Lookup is the typed result of port-to-process discovery.
type Lookup struct {
	Found bool
	PID   int
	// Tool names the strategy that produced the answer.
	Tool string
}

// Strategy is one way of finding the process listening on a port.
type Strategy struct {
	Name  string
	Tool  string
	Args  func(port int) []string
	Parse func(output string, port int) (int, bool)
}

// UnixStrategies returns the discovery chain for unix-like hosts:
// lsof, then ss, then netstat.
func UnixStrategies() []Strategy {
	return []Strategy{
		{
			Name: "lsof",
			Tool: "lsof",
			Args: func(port int) []string {
				return []string{"-nP", "-t", "-iTCP:" + strconv.Itoa(port), "-sTCP:LISTEN"}
			},
			Parse: func(out string, _ int) (int, bool) { return ParsePIDList(out) },
		},
		{
			Name: "ss",
			Tool: "ss",
			Args: func(port int) []string {
				return []string{"-H", "-ltnp", "sport", "=", ":" + strconv.Itoa(port)}
			},
			Parse: ParseSS,
		},
		{
			Name: "netstat",
			Tool: "netstat",
			Args: func(int) []string { return []string{"-ltnp"} },
			Parse: ParseNetstat,
		},
	}
}

// WindowsStrategies returns the discovery chain for Windows hosts:
// netstat -ano, then PowerShell Get-NetTCPConnection.
func WindowsStrategies() []Strategy {
	return []Strategy{
		{
			Name:  "netstat",
			Tool:  "netstat",
			Args:  func(int) []string { return []string{"-ano", "-p", "TCP"} },
			Parse: ParseWindowsNetstat,
		},
		{
			Name: "powershell",
			Tool: "powershell",
			Args: func(port int) []string {
				return []string{"-NoProfile", "-NonInteractive", "-Command",
					"Get-NetTCPConnection -State Listen -LocalPort " + strconv.Itoa(port) +
						" | Select-Object -ExpandProperty OwningProcess"}
			},
			Parse: func(out string, _ int) (int, bool) { return ParsePIDList(out) },
		},
	}
}

// Discover runs strategies in order and returns the first process found.
// A tool that is missing, fails, or finds nothing passes to the next one.
func Discover(ctx context.Context, runner Runner, strategies []Strategy, port int, logger *slog.Logger) Lookup {
	for _, s := range strategies {
		if ctx.Err() != nil {
			break
		}
		res, err := runner.Run(ctx, s.Tool, s.Args(port)...)
		if err != nil {
			logger.Debug("discovery tool unavailable", "tool", s.Name, "port", port, "error", err)
			continue
		}
		if pid, ok := s.Parse(res.Stdout, port); ok {
			return Lookup{Found: true, PID: pid, Tool: s.Name}
		}
		logger.Debug("discovery tool found no listener", "tool", s.Name, "port", port, "exit_code", res.ExitCode)
	}
	return Lookup{}
}

// ParsePIDList returns the first positive integer line of out.
func ParsePIDList(out string) (int, bool) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if pid, err := strconv.Atoi(strings.TrimSpace(sc.Text())); err == nil && pid > 0 {
			return pid, true
		}
	}
	return 0, false
}

var ssPIDPattern = regexp.MustCompile(`pid=(\d+)`)

// ParseSS parses `ss -H -ltnp` output:
//
//	LISTEN 0 4096 *:9200 *:* users:(("java",pid=4242,fd=301))
func ParseSS(out string, port int) (int, bool) {
	suffix := ":" + strconv.Itoa(port)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || !strings.EqualFold(fields[0], "LISTEN") {
			continue
		}
		if !strings.HasSuffix(fields[3], suffix) {
			continue
		}
		if m := ssPIDPattern.FindStringSubmatch(sc.Text()); m != nil {
			if pid, err := strconv.Atoi(m[1]); err == nil {
				return pid, true
			}
		}
	}
	return 0, false
}

// ParseNetstat parses unix `netstat -ltnp` output:
//
//	tcp6  0  0 :::9200  :::*  LISTEN  4242/java
func ParseNetstat(out string, port int) (int, bool) {
	suffix := ":" + strconv.Itoa(port)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 7 || !strings.HasPrefix(fields[0], "tcp") {
			continue
		}
		if fields[5] != "LISTEN" || !strings.HasSuffix(fields[3], suffix) {
			continue
		}
		pidField, _, _ := strings.Cut(fields[6], "/")
		if pid, err := strconv.Atoi(pidField); err == nil && pid > 0 {
			return pid, true
		}
	}
	return 0, false
}

// ParseWindowsNetstat parses `netstat -ano -p TCP` output:
//
//	TCP    0.0.0.0:9200     0.0.0.0:0     LISTENING     4242
func ParseWindowsNetstat(out string, port int) (int, bool) {
	suffix := ":" + strconv.Itoa(port)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 5 || !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if fields[3] != "LISTENING" || !strings.HasSuffix(fields[1], suffix) {
			continue
		}
		if pid, err := strconv.Atoi(fields[4]); err == nil && pid > 0 {
			return pid, true
		}
	}
	return 0, false
}
