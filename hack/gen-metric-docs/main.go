// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/intel/xpumanager/config"
	"github.com/intel/xpumanager/internal/device"
	promexporter "github.com/intel/xpumanager/internal/exporter/prometheus"
	"github.com/intel/xpumanager/internal/policy"
)

// MetricInfo holds information about a Prometheus metric
type MetricInfo struct {
	Name        string
	Type        string
	Description string
	Labels      []string
	ConstLabels map[string]string
}

// extractMetricsInfo extracts metric information from a Prometheus collector
func extractMetricsInfo(collector prometheus.Collector) ([]MetricInfo, error) {
	ch := make(chan *prometheus.Desc, 100)
	collector.Describe(ch)
	close(ch)

	var metrics []MetricInfo
	fqNameRegex := regexp.MustCompile(`fqName: "([^"]+)"`)
	helpRegex := regexp.MustCompile(`help: "([^"]+)"`)
	variableLabelsRegex := regexp.MustCompile(`variableLabels: \{([^}]*)\}`)
	constLabelsRegex := regexp.MustCompile(`constLabels: \{([^}]*)\}`)

	for desc := range ch {
		descStr := desc.String()
		fqNameMatch := fqNameRegex.FindStringSubmatch(descStr)
		if len(fqNameMatch) < 2 {
			fmt.Printf("Warning: Could not parse fqName from: %s\n", descStr)
			continue
		}
		name := fqNameMatch[1]

		helpMatch := helpRegex.FindStringSubmatch(descStr)
		if len(helpMatch) < 2 {
			fmt.Printf("Warning: Could not parse help from: %s\n", descStr)
			continue
		}
		help := helpMatch[1]

		var labels []string
		variableLabelsMatch := variableLabelsRegex.FindStringSubmatch(descStr)
		if len(variableLabelsMatch) >= 2 && variableLabelsMatch[1] != "" {
			labelsStr := variableLabelsMatch[1]
			if labelsStr != "" {
				labels = strings.Split(labelsStr, ",")
				for i, label := range labels {
					labels[i] = strings.TrimSpace(label)
				}
			}
		}

		constLabels := make(map[string]string)
		constLabelsMatch := constLabelsRegex.FindStringSubmatch(descStr)
		if len(constLabelsMatch) >= 2 && constLabelsMatch[1] != "" {
			constLabelsStr := constLabelsMatch[1]
			// Parse const labels which are in format: labelName="labelValue"
			labelPairRegex := regexp.MustCompile(`(\w+)="([^"]*)"`)
			matches := labelPairRegex.FindAllStringSubmatch(constLabelsStr, -1)
			for _, match := range matches {
				if len(match) >= 3 {
					constLabels[match[1]] = match[2]
				}
			}
		}

		metricType := "GAUGE"
		if strings.HasSuffix(name, "_total") {
			metricType = "COUNTER"
		}

		metrics = append(metrics, MetricInfo{
			Name:        name,
			Type:        metricType,
			Description: help,
			Labels:      labels,
			ConstLabels: constLabels,
		})
	}

	return metrics, nil
}

// generateMarkdown generates Markdown documentation from metric information
func generateMarkdown(metrics []MetricInfo) string {
	var md strings.Builder
	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].Name < metrics[j].Name
	})

	md.WriteString("# XPU Manager Metrics\n\n")
	md.WriteString("This document describes the metrics exported by xpumd for the policy engine and the GPUs it watches.\n\n")
	md.WriteString("## Overview\n\n")
	md.WriteString("xpumd exports metrics in Prometheus format on `/metrics`. The `--metrics` flag selects the families served.\n\n")
	md.WriteString("### Metric Types\n\n")
	md.WriteString("- **COUNTER**: A cumulative metric that only increases over time\n")
	md.WriteString("- **GAUGE**: A metric that can increase and decrease\n\n")
	md.WriteString("## Metrics Reference\n\n")

	var policyMetrics, gpuMetrics, otherMetrics []MetricInfo
	for _, metric := range metrics {
		switch {
		case strings.HasPrefix(metric.Name, "xpum_policy_"):
			policyMetrics = append(policyMetrics, metric)
		case strings.HasPrefix(metric.Name, "xpum_gpu_"):
			gpuMetrics = append(gpuMetrics, metric)
		default:
			otherMetrics = append(otherMetrics, metric)
		}
	}

	if len(policyMetrics) > 0 {
		md.WriteString("### Policy Metrics\n\n")
		md.WriteString("These metrics describe the stored policies and the evaluation loop.\n\n")
		writeMetricsSection(&md, policyMetrics)
	}
	if len(gpuMetrics) > 0 {
		md.WriteString("### GPU Metrics\n\n")
		md.WriteString("These metrics expose the latest telemetry of every discovered GPU.\n\n")
		writeMetricsSection(&md, gpuMetrics)
	}
	if len(otherMetrics) > 0 {
		md.WriteString("### Other Metrics\n\n")
		md.WriteString("Additional metrics provided by xpumd.\n\n")
		writeMetricsSection(&md, otherMetrics)
	}

	md.WriteString("---\n\n")
	md.WriteString("This documentation was automatically generated by the gen-metric-docs tool.")
	md.WriteString("\n")
	return md.String()
}

// writeMetricsSection writes a section of metrics to the markdown builder
func writeMetricsSection(md *strings.Builder, metrics []MetricInfo) {
	for _, metric := range metrics {
		fmt.Fprintf(md, "#### %s\n\n", metric.Name)
		fmt.Fprintf(md, "- **Type**: %s\n", metric.Type)
		fmt.Fprintf(md, "- **Description**: %s\n", metric.Description)
		if len(metric.Labels) > 0 {
			md.WriteString("- **Labels**:\n")
			for _, label := range metric.Labels {
				fmt.Fprintf(md, "  - `%s`\n", label)
			}
		}
		if len(metric.ConstLabels) > 0 {
			md.WriteString("- **Constant Labels**:\n")
			// Sort constant labels for consistent output
			var keys []string
			for key := range metric.ConstLabels {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Fprintf(md, "  - `%s`\n", key)
			}
		}
		md.WriteString("\n")
	}
}

// collectorsForDocs builds every collector served at MetricsLevelAll on top
// of a fake backend; only their descriptions are read
func collectorsForDocs(logger *slog.Logger) map[string]prometheus.Collector {
	backend := device.NewFakeBackend(1, device.WithFakeLogger(logger))
	pm := policy.NewManager(backend, nil, policy.WithLogger(logger))
	return promexporter.CreateCollectors(pm, backend,
		promexporter.WithLogger(logger),
		promexporter.WithMetricsLevel(config.MetricsLevelAll),
	)
}

func main() {
	outputPath := flag.String("output", "metrics.md", "Path to output Markdown file")
	flag.Parse()

	fmt.Println("Starting xpumd metrics extractor...")

	fmt.Println("Creating collectors...")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	collectors := collectorsForDocs(logger)

	names := make([]string, 0, len(collectors))
	for name := range collectors {
		names = append(names, name)
	}
	sort.Strings(names)

	var allMetrics []MetricInfo
	for _, name := range names {
		metrics, err := extractMetricsInfo(collectors[name])
		if err != nil {
			fmt.Printf("Failed to extract %s metrics: %v\n", name, err)
			os.Exit(1)
		}
		fmt.Printf("Extracted %d metrics from %s collector\n", len(metrics), name)
		allMetrics = append(allMetrics, metrics...)
	}
	fmt.Printf("Total metrics extracted: %d\n", len(allMetrics))

	markdown := generateMarkdown(allMetrics)
	fmt.Printf("Writing metrics documentation to: %s\n", *outputPath)

	outputDir := filepath.Dir(*outputPath)
	if outputDir != "" && outputDir != "." {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			fmt.Printf("Failed to create output directory: %v\n", err)
			os.Exit(1)
		}
	}

	if err := os.WriteFile(*outputPath, []byte(markdown), 0644); err != nil {
		fmt.Printf("Failed to write markdown file: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Metrics documentation generated successfully!")
}
