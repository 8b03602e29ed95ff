// internal/service/template_service.go
package service

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// TemplateService renders campaign templates. "{first_name}" is replaced with
// the matching variable and "{Hi|Hello|Hey}" picks one alternative at random.
type TemplateService struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewTemplateService() *TemplateService {
	return &TemplateService{rnd: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

func NewSeededTemplateService(seed uint64) *TemplateService {
	return &TemplateService{rnd: rand.New(rand.NewPCG(seed, seed+1))}
}

func (s *TemplateService) Render(template string, data map[string]string) model.RenderResult {
	res := model.RenderResult{}
	if strings.TrimSpace(template) == "" {
		res.Errors = append(res.Errors, "template is empty")
		return res
	}

	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); i++ {
		ch := template[i]
		if ch == '}' {
			res.Errors = append(res.Errors, fmt.Sprintf("unmatched '}' at offset %d", i))
			continue
		}
		if ch != '{' {
			b.WriteByte(ch)
			continue
		}

		end := strings.IndexAny(template[i+1:], "{}")
		if end < 0 || template[i+1+end] == '{' {
			res.Errors = append(res.Errors, fmt.Sprintf("unclosed '{' at offset %d", i))
			b.WriteByte(ch)
			continue
		}
		inner := template[i+1 : i+1+end]
		i += end + 1

		switch {
		case inner == "":
			b.WriteString("{}")
		case strings.Contains(inner, "|"):
			opts := strings.Split(inner, "|")
			s.mu.Lock()
			pick := opts[s.rnd.IntN(len(opts))]
			s.mu.Unlock()
			res.ChosenVariants = append(res.ChosenVariants, pick)
			b.WriteString(pick)
		default:
			key := strings.TrimSpace(inner)
			v, ok := data[key]
			if !ok {
				v, ok = data[strings.ToLower(key)]
			}
			if !ok {
				res.Missing = append(res.Missing, key)
			}
			b.WriteString(v)
		}
	}

	res.FinalText = b.String()
	res.Success = len(res.Errors) == 0
	return res
}
