package cli

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/feedbridge/internal/config"
	"github.com/ppiankov/feedbridge/internal/source"
)

var (
	importDryRun      bool
	importDestination string
)

var importCmd = &cobra.Command{
	Use:   "import <file.opml>",
	Short: "Import RSS feeds from an OPML file as sources",
	Args:  cobra.ExactArgs(1),
	RunE:  importAction,
}

func init() {
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "show what would be added without modifying config")
	importCmd.Flags().StringVar(&importDestination, "destination", "", "destination for the imported sources (required)")
	_ = importCmd.MarkFlagRequired("destination")
	rootCmd.AddCommand(importCmd)
}

type opml struct {
	Body opmlBody `xml:"body"`
}

type opmlBody struct {
	Outlines []opmlOutline `xml:"outline"`
}

type opmlOutline struct {
	XMLURL   string        `xml:"xmlUrl,attr"`
	Text     string        `xml:"text,attr"`
	Title    string        `xml:"title,attr"`
	Outlines []opmlOutline `xml:"outline"`
}

// opmlFeed is one feed outline.
type opmlFeed struct {
	URL  string
	Name string
}

func importAction(_ *cobra.Command, args []string) error {
	opmlPath := args[0]

	data, err := os.ReadFile(opmlPath)
	if err != nil {
		return fmt.Errorf("read OPML: %w", err)
	}

	var doc opml
	if err := xml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse OPML: %w", err)
	}

	feeds := extractFeeds(doc.Body.Outlines)
	if len(feeds) == 0 {
		fmt.Println("No feed URLs found in OPML file.")
		return nil
	}

	// Load existing config to find duplicates
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, ok := cfg.Destinations[importDestination]; !ok {
		return fmt.Errorf("unknown destination %q", importDestination)
	}

	existing := make(map[string]bool)
	ids := make(map[string]bool)
	for _, s := range cfg.Sources {
		ids[s.ID] = true
		if s.Kind == source.KindRSS {
			existing[s.Ref] = true
		}
	}

	var newFeeds []opmlFeed
	skipped := 0
	for _, f := range feeds {
		id := config.SourceID(source.KindRSS, f.URL)
		if existing[f.URL] || ids[id] {
			skipped++
			continue
		}
		existing[f.URL] = true
		ids[id] = true
		newFeeds = append(newFeeds, f)
	}

	if len(newFeeds) == 0 {
		fmt.Printf("All %d feeds already present, nothing to add.\n", skipped)
		return nil
	}

	if importDryRun {
		fmt.Printf("Would add %d feeds to %s (skipping %d duplicates):\n", len(newFeeds), importDestination, skipped)
		for _, f := range newFeeds {
			fmt.Printf("  + %s\n", f.URL)
		}
		return nil
	}

	// Merge into config.yaml using yaml.Node to preserve structure
	configPath := filepath.Join(configDir, config.DefaultConfigFile)
	if err := mergeSources(configPath, newFeeds, importDestination); err != nil {
		return fmt.Errorf("merge sources: %w", err)
	}

	fmt.Printf("Added %d feeds to %s, skipped %d duplicates.\n", len(newFeeds), importDestination, skipped)
	return nil
}

func extractFeeds(outlines []opmlOutline) []opmlFeed {
	var feeds []opmlFeed
	for _, o := range outlines {
		u := strings.TrimSpace(o.XMLURL)
		if u != "" && (strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")) {
			name := strings.TrimSpace(o.Title)
			if name == "" {
				name = strings.TrimSpace(o.Text)
			}
			feeds = append(feeds, opmlFeed{URL: u, Name: name})
		}
		// Recurse into nested outlines (folders)
		feeds = append(feeds, extractFeeds(o.Outlines)...)
	}
	return feeds
}

// mergeSources reads config.yaml as a yaml.Node tree, appends one rss
// source per feed to the top-level sources sequence, and writes it back
// preserving comments and layout.
func mergeSources(configPath string, feeds []opmlFeed, destination string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config YAML: %w", err)
	}

	sourcesNode := findSourcesNode(&doc)
	if sourcesNode == nil {
		return fmt.Errorf("could not find a sources list in config.yaml")
	}

	for _, f := range feeds {
		entry := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		if f.Name != "" {
			entry.Content = append(entry.Content, scalar("name"), quoted(f.Name))
		}
		entry.Content = append(entry.Content,
			scalar("kind"), scalar(source.KindRSS),
			scalar("ref"), quoted(f.URL),
			scalar("destination"), scalar(destination),
		)
		sourcesNode.Content = append(sourcesNode.Content, entry)
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(configPath, out, 0o644)
}

// findSourcesNode returns the sequence node at the top-level sources key.
func findSourcesNode(doc *yaml.Node) *yaml.Node {
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		return findSourcesNode(doc.Content[0])
	}
	node := findMapValue(doc, "sources")
	if node == nil || node.Kind != yaml.SequenceNode {
		return nil
	}
	return node
}

func findMapValue(mapping *yaml.Node, key string) *yaml.Node {
	if mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func quoted(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v, Style: yaml.DoubleQuotedStyle}
}
