// Package parser turns raw Salt event-bus payloads into canonical
// event.Record values.
package parser

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/saline-io/saline/internal/config"
	"github.com/saline-io/saline/internal/event"
)

// compiledRename is a rename rule with its pattern pre-compiled, applied
// to sls/sid fragments before they reach the label merger.
type compiledRename struct {
	re          *regexp.Regexp
	replacement string
}

// Parser converts raw (tag, data) pairs into event.Record. The pipeline
// builds one Parser per lane; Parser holds no mutable shared state, so
// pool workers running the same lane's Parser never contend on it.
type Parser struct {
	logger   *slog.Logger
	slsRules []compiledRename
	sidRules []compiledRename
}

func New(cfg *config.Config, logger *slog.Logger) *Parser {
	p := &Parser{logger: logger}
	for _, r := range cfg.SLSRenameRules {
		if re, err := regexp.Compile(r.Pattern); err == nil {
			p.slsRules = append(p.slsRules, compiledRename{re: re, replacement: r.Replacement})
		} else if logger != nil {
			logger.Warn("invalid sls rename rule, skipping", "pattern", r.Pattern, "error", err)
		}
	}
	for _, r := range cfg.SIDRenameRules {
		if re, err := regexp.Compile(r.Pattern); err == nil {
			p.sidRules = append(p.sidRules, compiledRename{re: re, replacement: r.Replacement})
		} else if logger != nil {
			logger.Warn("invalid sid rename rule, skipping", "pattern", r.Pattern, "error", err)
		}
	}
	return p
}

func applyRenames(rules []compiledRename, s string) string {
	for _, r := range rules {
		if r.re.MatchString(s) {
			return r.re.ReplaceAllString(s, r.replacement)
		}
	}
	return s
}

// getTagMask finds the first matching tag pattern and returns the
// cardinality-safe mask plus the classification it carries.
func getTagMask(tag string) (mask string, tagMain, tagSub int, minionID string, ok bool) {
	for _, p := range tagPatterns {
		m := p.re.FindStringSubmatch(tag)
		if m == nil {
			continue
		}
		mask = p.mask
		tagMain = p.tagMain
		tagSub = p.tagSub
		if p.minionGroup != "" {
			for i, name := range p.re.SubexpNames() {
				if name == p.minionGroup && i < len(m) {
					minionID = m[i]
				}
			}
		}
		return mask, tagMain, tagSub, minionID, true
	}
	return tag, 0, 0, "", false
}

func jidFromMatch(tag string) string {
	re := regexp.MustCompile(`/(\d+)/`)
	if m := re.FindStringSubmatch(tag); m != nil {
		return m[1]
	}
	return ""
}

// getTrimmed walks a nested map/slice structure looking for the literal
// sentinel string salt event serializers substitute for payloads too
// large to ship in full, returning a JSON-path-like breadcrumb for each.
func getTrimmed(data any, path string, out *[]string) {
	switch v := data.(type) {
	case string:
		if v == "VALUE_TRIMMED" {
			*out = append(*out, path)
		}
	case map[string]any:
		for k, vv := range v {
			getTrimmed(vv, path+"."+k, out)
		}
	case []any:
		for i, vv := range v {
			getTrimmed(vv, path+"["+strconv.Itoa(i)+"]", out)
		}
	}
}

func parseDuration(v any) float64 {
	switch d := v.(type) {
	case float64:
		return d
	case int:
		return float64(d)
	case string:
		s := strings.TrimSpace(d)
		s = strings.TrimSuffix(s, "ms")
		s = strings.TrimSpace(s)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{vv}
	}
	return nil
}

// splitModsArg normalizes a raw state_fun_args "mods" argument (a comma
// string, a single sls name, or a list of them) replacing "/" with "."
// unless the fragment starts with "/" (an absolute file reference).
func splitModsArg(v any) []string {
	var raw []string
	if s, ok := v.(string); ok {
		raw = strings.Split(s, ",")
	} else {
		raw = asStringSlice(v)
	}
	out := make([]string, 0, len(raw))
	for _, m := range raw {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if !strings.HasPrefix(m, "/") {
			m = strings.ReplaceAll(m, "/", ".")
		}
		out = append(out, m)
	}
	return out
}

// parseStateFunArgs extracts the fun/mods/test triple from a JOB_NEW
// event's fun_args: positional args and/or kwargs (marked with the
// Salt convention key "__kwarg__").
func parseStateFunArgs(fun string, funArgs []any) event.StateFunArgs {
	sfa := event.StateFunArgs{Fun: fun}
	var positional []any
	var kwargs map[string]any

	for _, a := range funArgs {
		if m, ok := a.(map[string]any); ok {
			if kw, _ := m["__kwarg__"].(bool); kw {
				kwargs = m
				continue
			}
		}
		positional = append(positional, a)
	}

	if kwargs != nil {
		if mods, ok := kwargs["mods"]; ok {
			sfa.Mods = splitModsArg(mods)
		}
		if test, ok := kwargs["test"]; ok {
			sfa.Test = asBool(test)
		}
	}
	if len(sfa.Mods) == 0 && len(positional) > 0 {
		sfa.Mods = splitModsArg(positional[0])
	}
	if fun == "state.test" {
		sfa.Test = true
	}
	return sfa
}

// splitStateTags splits a combined "mod_rest_fun" style id into its
// parts on the '_'/'-' divider Salt uses, disambiguating with the
// already-known fun name when provided.
func splitStateTags(tags, name string) (mod, rest, fun string) {
	for _, div := range []string{"_", "-"} {
		if !strings.Contains(tags, div) {
			continue
		}
		parts := strings.SplitN(tags, div, 2)
		mod, rest = parts[0], parts[1]
		if name != "" && strings.HasSuffix(rest, div+name) {
			rest = strings.TrimSuffix(rest, div+name)
			fun = name
			return mod, rest, fun
		}
		idx := strings.LastIndex(rest, div)
		if idx >= 0 {
			fun = rest[idx+len(div):]
			rest = rest[:idx]
		}
		return mod, rest, fun
	}
	return tags, "", ""
}

// Parse converts one raw (tag, data) event into a canonical Record. It
// returns ok=false only for an ignored tag/fun combination. An event
// with no "fun" is not dropped: it is returned with an empty Fun, and a
// warning is logged unless its tag is on the no-fun allowlist.
func (p *Parser) Parse(tag string, data map[string]any) (*event.Record, bool) {
	mask, tagMain, tagSub, tagMinionID, matched := getTagMask(tag)
	if !matched {
		p.logger.Debug("no tag pattern matched, using raw tag as mask", "tag", tag)
	}

	rec := &event.Record{
		Tag:       tag,
		TagMask:   mask,
		TagMain:   tagMain,
		TagSub:    tagSub,
		Timestamp: parseTimestamp(data["_stamp"]),
	}

	if id, ok := data["id"].(string); ok && id != "" {
		rec.MinionID = id
	} else if tagMinionID != "" {
		rec.MinionID = tagMinionID
	}

	if jid, ok := data["jid"]; ok {
		rec.JID = asString(jid)
	} else if j := jidFromMatch(tag); j != "" {
		rec.JID = j
	}

	if user, ok := data["user"].(string); ok {
		rec.User = user
	}
	if minions, ok := data["minions"]; ok {
		rec.Minions = asStringSlice(minions)
	}
	if success, ok := data["success"]; ok {
		rec.Success = asBool(success)
	}

	fun := asString(data["fun"])
	if tagMain == event.TagKey && fun == "" {
		fun = asString(data["act"])
	}
	if fun == "" && !ignoreNoFunWarning[[2]int{tagMain, tagSub}] {
		p.logger.Warn("event has no fun and is not in the ignore list", "tag", tag, "tag_main", tagMain, "tag_sub", tagSub)
	}
	if tagMain == event.TagBatch && (tagSub == event.SubBatchStart || tagSub == event.SubBatchDone) {
		rec.DownMinions = asStringSlice(data["down_minions"])
	}
	if fun == "" {
		return rec, true
	}
	if ignoreEvents[[3]any{tagMain, tagSub, fun}] {
		return nil, false
	}
	rec.Fun = fun

	var trimmed []string
	getTrimmed(data, "", &trimmed)
	rec.Trimmed = trimmed

	if retcode, ok := toInt(data["retcode"]); ok && retcode == 255 {
		if stderr, ok := data["stderr"].(string); ok && stderr != "" {
			rec.Offline = true
		}
	}

	if tagMain == event.TagJob && (tagSub == event.SubJobNew || tagSub == event.SubJobRet) && stateFuncs[fun] {
		if tagSub == event.SubJobNew {
			var funArgs []any
			if fa, ok := data["fun_args"].([]any); ok {
				funArgs = fa
			}
			sfa := parseStateFunArgs(fun, funArgs)
			rec.StateFunArgs = &sfa
		} else {
			sfa := event.StateFunArgs{Fun: fun}
			if test, ok := data["test"]; ok {
				sfa.Test = asBool(test) || fun == "state.test"
			} else {
				sfa.Test = fun == "state.test"
			}
			rec.StateFunArgs = &sfa
		}

		if ret, ok := data["return"].(map[string]any); ok {
			rec.Returns = p.parseReturns(ret)
		}
		if errs, ok := toInt(data["errors"]); ok {
			rec.Errors = errs
		} else if errList, ok := data["errors"].([]any); ok {
			rec.Errors = len(errList)
		}
	}

	return rec, true
}

func (p *Parser) parseReturns(ret map[string]any) map[string]event.StateReturn {
	out := make(map[string]event.StateReturn, len(ret))
	for rtag, rv := range ret {
		entry, ok := rv.(map[string]any)
		if !ok {
			continue
		}
		sls := asString(entry["__sls__"])
		id := asString(entry["__id__"])
		fun := asString(entry["fun"])
		if sls == "" || id == "" {
			mod, rest, splitFun := splitStateTags(rtag, fun)
			if sls == "" {
				sls = mod
			}
			if id == "" {
				id = rest
			}
			if fun == "" {
				fun = splitFun
			}
		}

		slsOrig := sls
		idOrig := id
		if !strings.HasPrefix(sls, "/") {
			sls = strings.ReplaceAll(sls, "/", ".")
		}
		sls = applyRenames(p.slsRules, sls)
		id = applyRenames(p.sidRules, id)

		sr := event.StateReturn{
			SLS:      sls,
			SLSOrig:  slsOrig,
			ID:       id,
			IDOrig:   idOrig,
			Fun:      fun,
			Duration: parseDuration(entry["duration"]),
		}
		if _, hasWarning := entry["warning"]; hasWarning {
			sr.Warning = true
		}
		if res, ok := entry["result"]; ok {
			if b, ok := res.(bool); ok {
				sr.Result = &b
			}
		}
		out[rtag] = sr
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func parseTimestamp(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999Z", s+"Z"); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Now().UTC()
}
