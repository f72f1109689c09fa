// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config parses the gateway's command-line surface into a
// validated Config, flag-based the way every cmd/*/main.go in the
// teacher repo is, plus the key=value store-backend file the original
// program reads for its database credentials.
package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Stephen-Seo/PoorMansAnubis/internal/gateway/gwerrors"
)

// MaxListeners mirrors accept.MaxListeners; repeated here (rather than
// imported) to keep this package free of a dependency on internal/gateway/accept.
const MaxListeners = 32

// repeatableFlag collects every occurrence of a repeatable CLI flag, the
// idiomatic way to let flag.Var accept `--addr-port=a --addr-port=b`.
type repeatableFlag []string

func (r *repeatableFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatableFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

// Config is the fully parsed, validated startup configuration of
// cmd/pma-gateway.
type Config struct {
	TargetQuads int
	DestURL     string
	AddrPorts   []string
	PortToDest  map[int]string
	DBConfFile  string

	EnableXRealIPHeader   bool
	APIURL                string
	JSFactorsURL          string
	ChallengeTimeout      time.Duration
	AllowanceTimeout      time.Duration
	EnableOverrideDestURL bool
	AuditLogPath          string
}

// DBConfig is the parsed shape of the key=value store-backend file
// spec.md §6 documents: user, password, address, port, database.
type DBConfig struct {
	User     string
	Password string
	Address  string
	Port     string
	Database string
}

// Parse reads args (typically os.Args[1:]) into a validated Config. Any
// failure is a *gwerrors.Error of KindConfiguration, fatal at startup per
// spec.md §7.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("pma-gateway", flag.ContinueOnError)

	factors := fs.Int("factors", 16, "target challenge size in base64 quads")
	destURL := fs.String("dest-url", "http://127.0.0.1:8080", "default upstream base URL")
	var addrPorts repeatableFlag
	fs.Var(&addrPorts, "addr-port", "listener address:port, repeatable, at most 32")
	var portToDestRaw repeatableFlag
	fs.Var(&portToDestRaw, "port-to-dest-url", "per-port upstream override, port:url, repeatable")
	dbConf := fs.String("mysql-conf", "", "key=value config file for the persistent store backend")
	enableXRealIP := fs.Bool("enable-x-real-ip-header", false, "trust X-Real-IP on inbound")
	apiURL := fs.String("api-url", "/pma_api", "endpoint path for verify")
	jsFactorsURL := fs.String("js-factors-url", "/pma_factors", "endpoint path for the worker script")
	challengeTimeout := fs.Int("challenge-timeout", 7, "challenge TTL in minutes")
	allowedTimeout := fs.Int("allowed-timeout", 60, "allowance TTL in minutes")
	enableOverride := fs.Bool("enable-override-dest-url", false, "activate Override-Dest-Url header routing")
	warningRead := fs.Bool("important-warning-has-been-read", false, "required alongside enable-override-dest-url")
	auditLogPath := fs.String("audit-log", "", "append-only JSONL file to record granted allowances to, in addition to logging")

	if err := fs.Parse(args); err != nil {
		return nil, gwerrors.Configuration("config.parse", err)
	}

	if len(addrPorts) == 0 {
		addrPorts = append(addrPorts, "127.0.0.1:8180")
	}
	if len(addrPorts) > MaxListeners {
		return nil, gwerrors.Configuration("config.parse", fmt.Errorf("%d addr-port values exceeds the cap of %d", len(addrPorts), MaxListeners))
	}

	portToDest := make(map[int]string, len(portToDestRaw))
	for _, raw := range portToDestRaw {
		idx := strings.IndexByte(raw, ':')
		if idx < 0 {
			return nil, gwerrors.Configuration("config.parse", fmt.Errorf("malformed port-to-dest-url %q, want port:url", raw))
		}
		port, err := strconv.Atoi(raw[:idx])
		if err != nil {
			return nil, gwerrors.Configuration("config.parse", fmt.Errorf("malformed port in port-to-dest-url %q: %w", raw, err))
		}
		portToDest[port] = raw[idx+1:]
	}

	if *enableOverride && !*warningRead {
		return nil, gwerrors.Configuration("config.parse", fmt.Errorf("enable-override-dest-url requires important-warning-has-been-read"))
	}

	return &Config{
		TargetQuads:           *factors,
		DestURL:               *destURL,
		AddrPorts:             addrPorts,
		PortToDest:            portToDest,
		DBConfFile:            *dbConf,
		EnableXRealIPHeader:   *enableXRealIP,
		APIURL:                *apiURL,
		JSFactorsURL:          *jsFactorsURL,
		ChallengeTimeout:      time.Duration(*challengeTimeout) * time.Minute,
		AllowanceTimeout:      time.Duration(*allowedTimeout) * time.Minute,
		EnableOverrideDestURL: *enableOverride,
		AuditLogPath:          *auditLogPath,
	}, nil
}

// ParseDBConfigFile reads the key=value store-backend file spec.md §6
// describes: one `key=value` pair per line, recognized keys user,
// password, address, port, database. Blank lines and lines starting with
// '#' are ignored.
func ParseDBConfigFile(path string) (*DBConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, gwerrors.Configuration("config.parseDBConfigFile", err)
	}
	defer f.Close()

	cfg := &DBConfig{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, gwerrors.Configuration("config.parseDBConfigFile", fmt.Errorf("malformed line %q, want key=value", line))
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		switch key {
		case "user":
			cfg.User = value
		case "password":
			cfg.Password = value
		case "address":
			cfg.Address = value
		case "port":
			cfg.Port = value
		case "database":
			cfg.Database = value
		default:
			return nil, gwerrors.Configuration("config.parseDBConfigFile", fmt.Errorf("unrecognized key %q", key))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, gwerrors.Configuration("config.parseDBConfigFile", err)
	}
	return cfg, nil
}
