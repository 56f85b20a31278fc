package backend

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ShayCichocki/loopd/pkg/models"
)

// ParseChecklist extracts markdown checklist lines ("- [ ] x", "- [x] x")
// from text. Items get ordinal ids starting at "1" and medium priority.
func ParseChecklist(text string) []models.TodoItem {
	var items []models.TodoItem
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "- [") && !strings.HasPrefix(line, "* [") {
			continue
		}
		if len(line) < 6 || line[4] != ']' {
			continue
		}
		var status models.TodoStatus
		switch line[3] {
		case ' ':
			status = models.TodoPending
		case 'x', 'X':
			status = models.TodoCompleted
		default:
			continue
		}
		content := strings.TrimSpace(line[5:])
		if content == "" {
			continue
		}
		items = append(items, models.TodoItem{
			ID:       strconv.Itoa(len(items) + 1),
			Content:  content,
			Status:   status,
			Priority: models.TodoPriorityMedium,
		})
	}
	return items
}

// checklistFromJSON walks every string value in a JSON document and returns
// the checklist of the first string that contains one.
func checklistFromJSON(raw []byte) []models.TodoItem {
	if len(raw) == 0 {
		return nil
	}
	res := gjson.ParseBytes(raw)
	if res.Type == gjson.String {
		return ParseChecklist(res.String())
	}
	var found []models.TodoItem
	var walk func(v gjson.Result) bool
	walk = func(v gjson.Result) bool {
		switch {
		case v.Type == gjson.String:
			if items := ParseChecklist(v.String()); len(items) > 0 {
				found = items
				return false
			}
		case v.IsObject() || v.IsArray():
			v.ForEach(func(_, child gjson.Result) bool {
				return walk(child)
			})
			if found != nil {
				return false
			}
		}
		return true
	}
	walk(res)
	return found
}
