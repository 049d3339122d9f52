// Package imagegen implements the stage 5 fan-out: storyboard panels become
// prioritized image tasks rendered concurrently under a per-session bound and
// the global slot pool, with content-addressed caching and bounded retries.
package imagegen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/comicgen/comicd/pkg/models"
)

const (
	basePriority = 5
	minPriority  = 1
	maxPriority  = 10
)

// TaskPriority computes a task's admission priority from placement metadata.
// Page one and emotionally loaded panels render first; large panels get a
// small boost.
func TaskPriority(page int, tone, size string) int {
	p := basePriority
	if page == 1 {
		p += 2
	}
	switch tone {
	case "climax", "tension":
		p += 2
	}
	switch size {
	case "splash", "large":
		p++
	}
	if p < minPriority {
		p = minPriority
	}
	if p > maxPriority {
		p = maxPriority
	}
	return p
}

// BuildTasks converts a storyboard into image tasks, one per panel.
func BuildTasks(sessionID string, sb *models.StoryboardOutput, style map[string]string, quality models.QualityLevel, maxAttempts int) []*models.ImageTask {
	var tasks []*models.ImageTask
	for pageIdx, page := range sb.Pages {
		for _, panel := range page.Panels {
			tasks = append(tasks, &models.ImageTask{
				SessionID:      sessionID,
				PanelID:        panel.ID,
				Prompt:         panelPrompt(panel),
				NegativePrompt: "text, watermark, extra limbs",
				Style:          style,
				Quality:        quality,
				Priority:       TaskPriority(pageIdx+1, panel.Tone, panel.Size),
				MaxAttempts:    maxAttempts,
				Page:           pageIdx + 1,
				Tone:           panel.Tone,
				PanelSize:      panel.Size,
			})
		}
	}
	return tasks
}

// panelPrompt renders the generation prompt for one panel.
func panelPrompt(p models.Panel) string {
	parts := []string{p.Description}
	if p.CameraAngle != "" {
		parts = append(parts, fmt.Sprintf("%s shot", p.CameraAngle))
	}
	if p.Tone != "" {
		parts = append(parts, fmt.Sprintf("%s mood", p.Tone))
	}
	return strings.Join(parts, ", ")
}

// sortTasks orders tasks by priority descending, then panel id ascending for
// a stable order within a priority class.
func sortTasks(tasks []*models.ImageTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].PanelID < tasks[j].PanelID
	})
}
