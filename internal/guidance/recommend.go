package guidance

import "strings"

type domain struct {
	name      string
	keywords  []string
	specialty []string // depth-2 specialists
}

var domains = []domain{
	{"frontend", []string{"frontend", "ui", "ux", "react", "vue", "angular", "css", "javascript", "html"},
		[]string{"css_specialist", "js_specialist", "component_specialist", "animation_specialist"}},
	{"backend", []string{"backend", "api", "server", "database", "sql", "node", "python", "java"},
		[]string{"api_specialist", "database_specialist", "auth_specialist", "integration_specialist"}},
	{"design", []string{"design", "ui/ux", "visual", "branding", "typography", "layout", "user experience"},
		[]string{"visual_designer", "ux_researcher", "interaction_designer", "brand_specialist"}},
	{"data", []string{"data", "analytics", "metrics", "tracking", "database", "sql", "mongodb"},
		[]string{"data_engineer", "analytics_specialist", "visualization_expert", "etl_specialist"}},
	{"security", []string{"security", "auth", "authentication", "authorization", "encryption", "ssl"}, nil},
	{"performance", []string{"performance", "optimization", "speed", "caching", "load", "scalability"}, nil},
	{"testing", []string{"testing", "qa", "test", "validation", "e2e", "unit test", "integration"}, nil},
	{"devops", []string{"deployment", "ci/cd", "docker", "kubernetes", "infrastructure", "monitoring"}, nil},
	{"mobile", []string{"mobile", "ios", "android", "react native", "flutter", "responsive"}, nil},
	{"ai_ml", []string{"ai", "ml", "machine learning", "recommendation", "algorithm", "intelligence"}, nil},
}

var generalists = []string{"architect", "quality_assurance", "documentation_specialist"}

// Domains returns the specialization domains a description touches, in a
// fixed order.
func Domains(description string) []string {
	lower := strings.ToLower(description)
	var out []string
	for _, d := range domains {
		if matches(lower, d.keywords) {
			out = append(out, d.name)
		}
	}
	return out
}

// Recommendations suggests agent types for children spawned at depth.
// The order is stable and duplicates are removed.
func Recommendations(description string, depth int) []string {
	lower := strings.ToLower(description)
	var recs []string
	for _, d := range domains {
		if !matches(lower, d.keywords) {
			continue
		}
		switch {
		case depth == 1:
			recs = append(recs, d.name+"_lead")
		case depth == 2:
			recs = append(recs, d.specialty...)
		case depth >= 3:
			recs = append(recs,
				d.name+"_optimizer",
				d.name+"_validator",
				d.name+"_implementer",
				d.name+"_tester",
			)
		}
	}
	if depth <= 2 {
		recs = append(recs, generalists...)
	}
	return dedupe(recs)
}

func matches(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
