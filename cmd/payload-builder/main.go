// Command payload-builder is the issuer-side tool: it signs entitlement
// records and encrypts rule-set payloads for a customer identity. The
// output pair (license.json, ruleset.bin) is what codexd consumes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codexcore/internal/license"
)

// buildConfig carries the resolved flag values for one build run.
type buildConfig struct {
	identity string
	features []string
	anchor   int64
	secret   string
	rules    string
	outDir   string
}

// buildInfo summarizes one build run for the operator.
type buildInfo struct {
	BuildTimestamp   string `json:"build_timestamp"`
	Identity         string `json:"identity"`
	PayloadSizeBytes int    `json:"payload_size_bytes"`
	Encryption       string `json:"encryption_method"`
	Expires          string `json:"expires"`
}

func main() {
	identity := flag.String("identity", "", "customer identity to issue for (required)")
	features := flag.String("features", "extract_modules,extract_steps,extract_flows", "comma-separated features stamped into the record")
	anchor := flag.Int64("anchor", license.DefaultBuildAnchor, "issuance anchor in unix seconds")
	now := flag.Bool("now", false, "anchor at the current time instead of the build anchor")
	secret := flag.String("secret", "", "signing secret (defaults to the embedded development secret)")
	rules := flag.String("rules", "", "rule-set JSON file to encrypt (defaults to the embedded rule set)")
	outDir := flag.String("out", ".", "output directory for license.json and ruleset.bin")
	flag.Parse()

	if *identity == "" {
		fmt.Fprintln(os.Stderr, "Error: -identity is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg := buildConfig{
		identity: *identity,
		features: splitFeatures(*features),
		anchor:   *anchor,
		secret:   *secret,
		rules:    *rules,
		outDir:   *outDir,
	}
	if *now {
		cfg.anchor = time.Now().Unix()
	}

	if err := runBuild(cfg); err != nil {
		slog.Error("Payload build failed", "error", err)
		os.Exit(1)
	}
}

func splitFeatures(raw string) []string {
	parts := strings.Split(raw, ",")
	features := make([]string, 0, len(parts))
	for _, p := range parts {
		if f := strings.TrimSpace(p); f != "" {
			features = append(features, f)
		}
	}
	return features
}

func runBuild(cfg buildConfig) error {
	slog.Info("Building entitlement artifacts",
		"identity", cfg.identity,
		"features", strings.Join(cfg.features, ","),
		"anchor", time.Unix(cfg.anchor, 0).UTC().Format(time.RFC3339))

	record, err := buildRecord(cfg)
	if err != nil {
		return err
	}

	rs, err := loadRuleSet(cfg.rules)
	if err != nil {
		return err
	}

	key, err := license.DeriveKey(cfg.identity)
	if err != nil {
		return fmt.Errorf("derive payload key: %w", err)
	}
	blob, err := license.EncryptRuleSet(rs, key)
	if err != nil {
		return fmt.Errorf("encrypt rule set: %w", err)
	}

	if err := os.MkdirAll(cfg.outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	licensePath := filepath.Join(cfg.outDir, "license.json")
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := os.WriteFile(licensePath, raw, 0o600); err != nil {
		return fmt.Errorf("write license file: %w", err)
	}

	payloadPath := filepath.Join(cfg.outDir, "ruleset.bin")
	if err := os.WriteFile(payloadPath, blob, 0o600); err != nil {
		return fmt.Errorf("write payload file: %w", err)
	}

	info := buildInfo{
		BuildTimestamp:   time.Now().UTC().Format(time.RFC3339),
		Identity:         cfg.identity,
		PayloadSizeBytes: len(blob),
		Encryption:       "AES-256-GCM",
		Expires:          record.AuthoritativeExpiry().Format(time.RFC3339),
	}
	infoPath := filepath.Join(cfg.outDir, "build_info.json")
	rawInfo, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal build info: %w", err)
	}
	if err := os.WriteFile(infoPath, rawInfo, 0o644); err != nil {
		return fmt.Errorf("write build info: %w", err)
	}

	slog.Info("License record written", "path", licensePath, "expires", info.Expires)
	slog.Info("Encrypted payload written", "path", payloadPath, "bytes", len(blob))
	slog.Info("Build info written", "path", infoPath)
	return nil
}

// buildRecord assembles and signs the entitlement record. ExpiresAt is
// display metadata; access decisions run off the anchor plus the fixed
// validity window.
func buildRecord(cfg buildConfig) (*license.License, error) {
	codec := license.NewCodec(cfg.secret)
	record := &license.License{
		Identity:        cfg.identity,
		Features:        cfg.features,
		IssuedAt:        cfg.anchor,
		ExpiresAt:       cfg.anchor + int64(license.ValidityWindow/time.Second),
		AnchorTimestamp: cfg.anchor,
		Signature:       codec.Sign(cfg.identity, cfg.anchor),
	}
	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("assembled record invalid: %w", err)
	}
	return record, nil
}

func loadRuleSet(path string) (*license.RuleSet, error) {
	if path == "" {
		return defaultRuleSet(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule-set file: %w", err)
	}
	var rs license.RuleSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("parse rule-set file: %w", err)
	}
	return &rs, nil
}

// defaultRuleSet is the shipped extraction rule set: technical-document
// structure patterns, prompt templates keyed by extraction type, and
// per-category confidence thresholds.
func defaultRuleSet() *license.RuleSet {
	return &license.RuleSet{
		ModulePatterns: []string{
			`Chapter \d+:\s*([^.!?]+)`,
			`Section \d+\.\d+:\s*([^.!?]+)`,
			`Module \d+:\s*([^.!?]+)`,
			`^([A-Z][^.!?]+(?:Maintenance|Procedure|Process|System))`,
		},
		StepPatterns: []string{
			`Conduct scheduled inspections[^.!?]*[.!?]`,
			`Identify and resolve[^.!?]*[.!?]`,
			`Document and report[^.!?]*[.!?]`,
			`Adhere strictly to[^.!?]*[.!?]`,
			`Perform \w+ maintenance[^.!?]*[.!?]`,
			`Check \w+ system[^.!?]*[.!?]`,
			`Verify \w+ operation[^.!?]*[.!?]`,
			`Replace \w+ component[^.!?]*[.!?]`,
		},
		FlowPatterns: []string{
			`if\s+([^.!?]+)\s+then[^.!?]*[.!?]`,
			`when\s+([^.!?]+)\s+perform[^.!?]*[.!?]`,
			`in case of\s+([^.!?]+)[^.!?]*[.!?]`,
		},
		TaxonomyPatterns: []string{
			`(\w+):\s*([^.!?]+)`,
			`(\w+)\s+maintenance:\s*([^.!?]+)`,
			`Type\s+(\w+):\s*([^.!?]+)`,
		},
		Prompts: map[string]string{
			"module_extraction":   "Extract logical modules from the following technical documentation. Look for chapter headings, section titles, and organizational structures. Text: {text}. Return only the module titles and their summaries.",
			"step_extraction":     "Identify procedural steps in the following technical documentation. Look for action verbs, numbered procedures, and maintenance tasks. Text: {text}. Return only the procedural steps with their categories.",
			"flow_extraction":     "Extract decision flows and conditional logic from the following technical documentation. Look for if-then statements, decision points, and branching logic. Text: {text}. Return only the decision flows with their conditions and outcomes.",
			"complexity_analysis": "Analyze the complexity of the following technical procedure. Consider factors like number of steps, required expertise, time requirements, and safety considerations. Text: {text}. Return a complexity score from 1-10 with justification.",
		},
		Thresholds: map[string]float64{
			"module":   0.85,
			"step":     0.90,
			"flow":     0.80,
			"taxonomy": 0.95,
		},
	}
}
