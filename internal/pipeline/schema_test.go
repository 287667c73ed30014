package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sidequest/internal/clock"
	"sidequest/internal/config"
	"sidequest/internal/db"
	"sidequest/internal/retry"
)

func testEnv(t *testing.T) Env {
	t.Helper()
	return Env{
		Cfg:   &config.Config{ReposFile: filepath.Join(t.TempDir(), "repositories.json")},
		Clock: clock.NewFake(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)),
	}
}

func TestDocumentFormat(t *testing.T) {
	t.Parallel()
	for path, want := range map[string]string{
		"index.html": FormatHTML,
		"page.HTM":   FormatHTML,
		"post.md":    FormatMarkdown,
		"notes.markdown": FormatMarkdown,
	} {
		got, err := documentFormat(path)
		if err != nil || got != want {
			t.Fatalf("documentFormat(%q): got %q, %v", path, got, err)
		}
	}
	if _, err := documentFormat("data.json"); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestSchemaRunJobEnhancesHTML(t *testing.T) {
	t.Parallel()
	w := NewSchemaWorker(testEnv(t), nil)

	target := filepath.Join(t.TempDir(), "index.html")
	content := "<html><head><title>Release Notes</title>" +
		`<meta name="description" content="What changed this cycle">` +
		"</head><body><h1>Notes</h1></body></html>"
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	job := &db.Job{ID: "schema-1", Data: map[string]any{"targetFile": target}}
	result, err := w.RunJob(context.Background(), job)
	if err != nil {
		t.Fatalf("run job: %v", err)
	}

	res := result.(map[string]any)
	if res["schemaType"] != "WebPage" {
		t.Fatalf("expected WebPage schema, got %v", res["schemaType"])
	}

	enhanced, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read enhanced: %v", err)
	}
	out := string(enhanced)
	if !strings.Contains(out, `application/ld+json`) {
		t.Fatal("expected JSON-LD script injected")
	}
	if !strings.Contains(out, `"name": "Release Notes"`) {
		t.Fatalf("expected title carried into schema:\n%s", out)
	}
	if !strings.Contains(out, "What changed this cycle") {
		t.Fatal("expected meta description carried into schema")
	}
	// The script lands before </head>.
	if strings.Index(out, "application/ld+json") > strings.Index(out, "</head>") {
		t.Fatal("script should be injected inside head")
	}
}

func TestSchemaRunJobIdempotent(t *testing.T) {
	t.Parallel()
	w := NewSchemaWorker(testEnv(t), nil)

	target := filepath.Join(t.TempDir(), "post.md")
	if err := os.WriteFile(target, []byte("# Title\n\nBody text here.\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	job := &db.Job{ID: "schema-2", Data: map[string]any{"targetFile": target}}

	if _, err := w.RunJob(context.Background(), job); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, _ := os.ReadFile(target)

	result, err := w.RunJob(context.Background(), job)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	res := result.(map[string]any)
	if res["skipped"] != true || res["reason"] != "already-enhanced" {
		t.Fatalf("expected second run skipped, got %v", res)
	}
	second, _ := os.ReadFile(target)
	if string(first) != string(second) {
		t.Fatal("second run must not modify the document")
	}
}

func TestSchemaRunJobMarkdownFrontMatter(t *testing.T) {
	t.Parallel()
	w := NewSchemaWorker(testEnv(t), nil)

	target := filepath.Join(t.TempDir(), "guide.md")
	content := "# Install Guide\n\nFollow these steps to install the tool.\n"
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	job := &db.Job{ID: "schema-3", Data: map[string]any{"targetFile": target}}
	result, err := w.RunJob(context.Background(), job)
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	if result.(map[string]any)["schemaType"] != "Article" {
		t.Fatalf("markdown documents map to Article, got %v", result)
	}

	out, _ := os.ReadFile(target)
	s := string(out)
	if !strings.HasPrefix(s, "---\nschema: |\n") {
		t.Fatalf("expected front matter prepended:\n%s", s)
	}
	if !strings.Contains(s, `"headline": "Install Guide"`) {
		t.Fatalf("expected headline for articles:\n%s", s)
	}
	if !strings.Contains(s, "Follow these steps") {
		t.Fatal("original content must survive injection")
	}
}

func TestSchemaRunJobDryRun(t *testing.T) {
	t.Parallel()
	w := NewSchemaWorker(testEnv(t), nil)

	target := filepath.Join(t.TempDir(), "page.html")
	content := "<html><head></head><body></body></html>"
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	job := &db.Job{ID: "schema-4", Data: map[string]any{"targetFile": target, "dryRun": true}}
	result, err := w.RunJob(context.Background(), job)
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	if result.(map[string]any)["dryRun"] != true {
		t.Fatalf("expected dryRun in result, got %v", result)
	}

	after, _ := os.ReadFile(target)
	if string(after) != content {
		t.Fatal("dry run must not touch the file")
	}
}

func TestSchemaRunJobRejectsEscapingTarget(t *testing.T) {
	t.Parallel()
	w := NewSchemaWorker(testEnv(t), nil)

	repo := t.TempDir()
	outside := filepath.Join(t.TempDir(), "outside.md")
	if err := os.WriteFile(outside, []byte("# X\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	job := &db.Job{ID: "schema-5", Data: map[string]any{
		"targetFile": outside,
		"repoPath":   repo,
	}}
	_, err := w.RunJob(context.Background(), job)
	var je *retry.JobError
	if !errors.As(err, &je) || je.Category != retry.CategoryValidation {
		t.Fatalf("expected validation error for path escape, got %v", err)
	}
}

func TestSchemaTriggerRequiresTargetFile(t *testing.T) {
	t.Parallel()
	w := NewSchemaWorker(testEnv(t), nil)
	if _, err := w.Trigger(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected error without targetFile")
	}
}

func TestSchemaTypeOverride(t *testing.T) {
	t.Parallel()
	w := NewSchemaWorker(testEnv(t), nil)

	target := filepath.Join(t.TempDir(), "faq.html")
	if err := os.WriteFile(target, []byte("<html><head></head></html>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	job := &db.Job{ID: "schema-6", Data: map[string]any{
		"targetFile": target,
		"schemaType": "FAQPage",
	}}
	result, err := w.RunJob(context.Background(), job)
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	if result.(map[string]any)["schemaType"] != "FAQPage" {
		t.Fatalf("expected type override, got %v", result)
	}
}

func TestValidateSchema(t *testing.T) {
	t.Parallel()
	good := map[string]any{"@context": "https://schema.org", "@type": "WebPage", "name": "x"}
	if err := validateSchema(good); err != nil {
		t.Fatalf("valid schema rejected: %v", err)
	}
	for _, bad := range []map[string]any{
		{"@type": "WebPage", "name": "x"},
		{"@context": "https://schema.org", "name": "x"},
		{"@context": "https://schema.org", "@type": "WebPage"},
	} {
		if err := validateSchema(bad); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}

func TestExtractTitleAndDescription(t *testing.T) {
	t.Parallel()
	html := "<html><head><title> Docs </title>" +
		`<meta name="description" content="All the docs">` +
		"</head></html>"
	if got := extractTitle(FormatHTML, html); got != "Docs" {
		t.Fatalf("expected title Docs, got %q", got)
	}
	if got := extractDescription(FormatHTML, html); got != "All the docs" {
		t.Fatalf("expected meta description, got %q", got)
	}

	noTitle := "<html><body><h1>Big <em>Heading</em></h1></body></html>"
	if got := extractTitle(FormatHTML, noTitle); got != "Big Heading" {
		t.Fatalf("expected h1 fallback without tags, got %q", got)
	}

	md := "---\ndraft: true\n---\n\n# My Post\n\nFirst paragraph of prose.\n"
	if got := extractTitle(FormatMarkdown, md); got != "My Post" {
		t.Fatalf("expected heading title, got %q", got)
	}
	if got := extractDescription(FormatMarkdown, md); got != "First paragraph of prose." {
		t.Fatalf("expected first prose line, got %q", got)
	}
}
