package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"sidequest/internal/clock"
	"sidequest/internal/db"
	"sidequest/internal/git"
	"sidequest/internal/retry"
	"sidequest/internal/safepath"
	"sidequest/internal/scheduler"
)

// Document formats the schema pipeline understands.
const (
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
)

const jsonLDMarker = "application/ld+json"

// Document is the parsed metadata handed to an Enhancer.
type Document struct {
	Path        string
	Format      string
	Content     string
	Title       string
	Description string
}

// Enhancer builds a JSON-LD object for a document. The default is a
// local heuristic; deployments can plug a content-service client in.
type Enhancer interface {
	BuildSchema(ctx context.Context, doc *Document) (map[string]any, error)
}

// SchemaWorker injects JSON-LD structured data into HTML and Markdown
// documents, one file per job, committed through the wrapper workflow.
type SchemaWorker struct {
	env      Env
	sched    *scheduler.Scheduler
	enhancer Enhancer
}

// NewSchemaWorker builds the pipeline. A nil enhancer selects the
// built-in heuristic.
func NewSchemaWorker(env Env, enhancer Enhancer) *SchemaWorker {
	if enhancer == nil {
		enhancer = heuristicEnhancer{}
	}
	w := &SchemaWorker{env: env, enhancer: enhancer}
	w.sched = env.newScheduler(PipelineSchema, w, true)
	return w
}

func (w *SchemaWorker) PipelineID() string              { return PipelineSchema }
func (w *SchemaWorker) Scheduler() *scheduler.Scheduler { return w.sched }

func (w *SchemaWorker) Initialize(ctx context.Context) error {
	return w.sched.Initialize(ctx)
}

// Trigger creates a job from API parameters: targetFile (required),
// dryRun, schemaType.
func (w *SchemaWorker) Trigger(ctx context.Context, params map[string]any) (*db.Job, error) {
	target := stringParam(params, "targetFile")
	if target == "" {
		return nil, retry.Validationf("targetFile is required")
	}
	data := map[string]any{"targetFile": target}
	if boolParam(params, "dryRun") {
		data["dryRun"] = true
	}
	if st := stringParam(params, "schemaType"); st != "" {
		data["schemaType"] = st
	}
	if repo := stringParam(params, "repoPath"); repo != "" {
		data["repoPath"] = repo
	}
	return w.sched.CreateJob(clock.NewID(w.env.Clock, "schema"), data)
}

// RunJob reads the target, builds and validates JSON-LD, and writes the
// enhanced document back unless the job is a dry run.
func (w *SchemaWorker) RunJob(ctx context.Context, job *db.Job) (any, error) {
	target := stringField(job.Data, "targetFile")
	if target == "" {
		return nil, retry.Validationf("job %s: targetFile is required", job.ID)
	}

	format, err := documentFormat(target)
	if err != nil {
		return nil, err
	}

	// When the job names the repo, the target must resolve inside it.
	// Symlinked paths could otherwise walk the write out of the checkout.
	if repo := stringField(job.Data, "repoPath"); repo != "" {
		resolved, err := safepath.ResolveNoSymlinkPath(repo, target)
		if err != nil {
			return nil, retry.Validationf("job %s: %v", job.ID, err)
		}
		target = resolved
	}

	raw, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, retry.NotFoundf("target file %s does not exist", target)
		}
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	content := string(raw)

	// Re-running over an enhanced document must be a no-op, not a
	// second script block.
	if strings.Contains(content, jsonLDMarker) {
		return map[string]any{"skipped": true, "reason": "already-enhanced"}, nil
	}

	w.sched.Progress(job.ID, 20, "extracting metadata")

	doc := &Document{
		Path:        target,
		Format:      format,
		Content:     content,
		Title:       extractTitle(format, content),
		Description: extractDescription(format, content),
	}

	schema, err := w.enhancer.BuildSchema(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("build schema for %s: %w", target, err)
	}
	if st := stringField(job.Data, "schemaType"); st != "" {
		schema["@type"] = st
	}
	if err := validateSchema(schema); err != nil {
		return nil, retry.Validationf("job %s: %v", job.ID, err)
	}

	w.sched.Progress(job.ID, 60, "injecting structured data")

	enhanced, err := inject(format, content, schema)
	if err != nil {
		return nil, err
	}

	dryRun := boolField(job.Data, "dryRun")
	if !dryRun {
		if err := os.WriteFile(target, []byte(enhanced), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", target, err)
		}
	}

	return map[string]any{
		"targetFile":  target,
		"dryRun":      dryRun,
		"schemaType":  schema["@type"],
		"fieldsAdded": len(schema),
		"bytesAdded":  len(enhanced) - len(content),
	}, nil
}

// RepoPath implements scheduler.GitHooks. Jobs may name the repo
// explicitly; otherwise the target's directory is assumed to be inside it.
func (w *SchemaWorker) RepoPath(job *db.Job) string {
	if repo := stringField(job.Data, "repoPath"); repo != "" {
		return repo
	}
	return filepath.Dir(stringField(job.Data, "targetFile"))
}

func (w *SchemaWorker) CommitMessage(job *db.Job) (string, string) {
	target := stringField(job.Data, "targetFile")
	title := fmt.Sprintf("Add JSON-LD structured data to %s", filepath.Base(target))
	body := fmt.Sprintf("Automated schema enhancement of %s.\n\nJob: %s", target, job.ID)
	return title, body
}

func (w *SchemaWorker) PRContext(job *db.Job, commitMessage string) git.PRContext {
	title, body := w.CommitMessage(job)
	return git.PRContext{
		Title:  title,
		Body:   body,
		Labels: []string{"schema-enhancement", "automated"},
	}
}

// heuristicEnhancer derives a schema from the document itself: Article
// for Markdown, WebPage for HTML.
type heuristicEnhancer struct{}

func (heuristicEnhancer) BuildSchema(_ context.Context, doc *Document) (map[string]any, error) {
	schemaType := "WebPage"
	if doc.Format == FormatMarkdown {
		schemaType = "Article"
	}
	name := doc.Title
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(doc.Path), filepath.Ext(doc.Path))
	}
	schema := map[string]any{
		"@context": "https://schema.org",
		"@type":    schemaType,
		"name":     name,
	}
	if schemaType == "Article" {
		schema["headline"] = name
	}
	if doc.Description != "" {
		schema["description"] = doc.Description
	}
	return schema, nil
}

func documentFormat(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return FormatHTML, nil
	case ".md", ".markdown":
		return FormatMarkdown, nil
	default:
		return "", retry.Validationf("unsupported document type %q", filepath.Ext(path))
	}
}

func validateSchema(schema map[string]any) error {
	if schema["@context"] != "https://schema.org" {
		return fmt.Errorf("schema @context must be https://schema.org")
	}
	if t, _ := schema["@type"].(string); t == "" {
		return fmt.Errorf("schema @type is required")
	}
	if n, _ := schema["name"].(string); n == "" {
		return fmt.Errorf("schema name is required")
	}
	return nil
}

// inject places the JSON-LD script before </head> in HTML, or inside a
// front-matter block at the top of a Markdown document.
func inject(format, content string, schema map[string]any) (string, error) {
	blob, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode schema: %w", err)
	}

	if format == FormatHTML {
		script := fmt.Sprintf("<script type=%q>\n%s\n</script>\n", jsonLDMarker, blob)
		idx := strings.Index(strings.ToLower(content), "</head>")
		if idx < 0 {
			// Headless fragment; prepend so the markup still ships.
			return script + content, nil
		}
		return content[:idx] + script + content[idx:], nil
	}

	indented := "  " + strings.ReplaceAll(string(blob), "\n", "\n  ")
	fmLine := "schema: |\n" + indented + "\n"
	if rest, ok := strings.CutPrefix(content, "---\n"); ok {
		if end := strings.Index(rest, "\n---"); end >= 0 {
			// Existing front matter: add the schema key before the
			// closing delimiter.
			head := content[:4+end+1]
			return head + fmLine + content[4+end+1:], nil
		}
	}
	return "---\n" + fmLine + "---\n\n" + content, nil
}

var (
	htmlTitleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	metaDescRe  = regexp.MustCompile(`(?is)<meta\s+name=["']description["']\s+content=["']([^"']*)["']`)
	h1Re        = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)
	tagRe       = regexp.MustCompile(`<[^>]+>`)
)

func extractTitle(format, content string) string {
	if format == FormatHTML {
		if m := htmlTitleRe.FindStringSubmatch(content); m != nil {
			return strings.TrimSpace(m[1])
		}
		if m := h1Re.FindStringSubmatch(content); m != nil {
			return strings.TrimSpace(tagRe.ReplaceAllString(m[1], ""))
		}
		return ""
	}
	for _, line := range strings.Split(content, "\n") {
		if t, ok := strings.CutPrefix(strings.TrimSpace(line), "# "); ok {
			return strings.TrimSpace(t)
		}
	}
	return ""
}

func extractDescription(format, content string) string {
	if format == FormatHTML {
		if m := metaDescRe.FindStringSubmatch(content); m != nil {
			return strings.TrimSpace(m[1])
		}
		return ""
	}
	inFrontMatter := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "---":
			inFrontMatter = !inFrontMatter
		case inFrontMatter, trimmed == "":
		case strings.HasPrefix(trimmed, "#"):
		default:
			return truncate(trimmed, 200)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
