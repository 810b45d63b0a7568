/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ngram

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// LoadARPAFile reads an ARPA model from path.
func LoadARPAFile(ctx context.Context, path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ARPA model %s: %w", path, err)
	}
	defer f.Close()

	m, err := LoadARPA(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to load ARPA model %s: %w", path, err)
	}
	return m, nil
}

// LoadARPA reads a model in ARPA format. The declared n-gram counts must
// match the listed entries. Base-10 values are converted to natural log.
func LoadARPA(ctx context.Context, r io.Reader) (*Model, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == `\data\` {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	counts := map[int]int{}
	maxOrder := 0
	var line string
	for scanner.Scan() {
		line = strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "ngram ") {
			break
		}
		order, count, err := parseCount(line)
		if err != nil {
			return nil, err
		}
		counts[order] = count
		maxOrder = max(maxOrder, order)
	}
	if maxOrder == 0 {
		return nil, fmt.Errorf("no n-gram counts in \\data\\ section")
	}

	m := NewModel(maxOrder)
	order := 0
	ended := false
	for {
		switch {
		case line == `\end\`:
			ended = true
		case strings.HasPrefix(line, `\`) && strings.HasSuffix(line, "-grams:"):
			n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(line, `\`), "-grams:"))
			if err != nil || n < 1 || n > maxOrder {
				return nil, fmt.Errorf("bad section header %q", line)
			}
			order = n
		case line == "":
		case order == 0:
			return nil, fmt.Errorf("entry %q outside of an n-gram section", line)
		default:
			if err := parseEntry(m, order, line); err != nil {
				return nil, fmt.Errorf("parse %d-gram line %q: %w", order, line, err)
			}
		}

		if ended || !scanner.Scan() {
			break
		}
		line = strings.TrimSpace(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !ended {
		return nil, fmt.Errorf("missing \\end\\ marker")
	}

	for n, want := range counts {
		if got := m.NumGrams(n); got != want {
			return nil, fmt.Errorf("declared %d %d-grams, found %d", want, n, got)
		}
	}

	klog.FromContext(ctx).Info("loaded n-gram model", "order", maxOrder, "unigrams", m.NumGrams(1))
	return m, nil
}

func parseCount(line string) (int, int, error) {
	parts := strings.SplitN(strings.TrimPrefix(line, "ngram "), "=", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad count line %q", line)
	}
	order, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || order < 1 {
		return 0, 0, fmt.Errorf("bad order in %q", line)
	}
	count, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || count < 0 {
		return 0, 0, fmt.Errorf("bad count in %q", line)
	}
	return order, count, nil
}

func parseEntry(m *Model, order int, line string) error {
	fields := strings.Fields(line)
	if len(fields) < order+1 || len(fields) > order+2 {
		return fmt.Errorf("expected %d or %d fields, got %d", order+1, order+2, len(fields))
	}

	logProb, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return fmt.Errorf("parse log prob: %w", err)
	}

	var logBackoff float64
	if len(fields) == order+2 {
		if logBackoff, err = strconv.ParseFloat(fields[order+1], 64); err != nil {
			return fmt.Errorf("parse backoff: %w", err)
		}
	}

	m.Add(fields[1:order+1], toNatural(logProb), toNatural(logBackoff))
	return nil
}

// toNatural converts a base-10 log value. The ARPA -99 convention for
// impossible events maps to LogZero.
func toNatural(log10 float64) float64 {
	if log10 <= -99 {
		return LogZero
	}
	return log10 * math.Ln10
}
