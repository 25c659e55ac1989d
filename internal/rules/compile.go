package rules

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/brandon/mailproc/internal/mail"
)

// Actions understood in rule files.
const (
	ActionMove        = "move"
	ActionCopy        = "copy"
	ActionDelete      = "delete"
	ActionForward     = "forward"
	ActionForwardCopy = "forward_copy"
	ActionNone        = "none"
)

// Spec is one rule as written in a rule file. All conditions that are set
// must hold for the rule to match.
type Spec struct {
	Name string `mapstructure:"name"`

	// Header is tested with Contains and Matches.
	Header   string `mapstructure:"header"`
	Contains string `mapstructure:"contains"`
	Matches  string `mapstructure:"matches"`

	MailingList string `mapstructure:"mailing_list"`
	StrictList  string `mapstructure:"strict_list"`

	// Target is looked for in the To and Cc headers.
	Target        string `mapstructure:"target"`
	TargetMatches string `mapstructure:"target_matches"`

	Seen    *bool `mapstructure:"seen"`
	Flagged *bool `mapstructure:"flagged"`

	Action string `mapstructure:"action"`

	// Folder is a joined name such as "lists.go" or a list of components.
	Folder    mail.Target `mapstructure:"folder"`
	Create    bool        `mapstructure:"create"`
	Addresses []string    `mapstructure:"addresses"`
	EnvSender string      `mapstructure:"env_sender"`
	Continue  bool        `mapstructure:"continue"`
}

// File is the layout of a rule file.
type File struct {
	Rules []Spec `mapstructure:"rules"`
}

// Load reads and compiles the rule file at path.
func Load(path string) ([]Rule, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	var file File
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		targetHook,
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&file, hook); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}
	return Compile(file.Rules)
}

var targetType = reflect.TypeOf((*mail.Target)(nil)).Elem()

// targetHook decodes a folder given as a string into a mail.Name and one
// given as a list into a mail.Path.
func targetHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != targetType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return mail.Name(v), nil
	case []string:
		return mail.Path(v), nil
	case []any:
		path := make(mail.Path, 0, len(v))
		for _, c := range v {
			s, ok := c.(string)
			if !ok {
				return nil, fmt.Errorf("folder component %v is not a string", c)
			}
			path = append(path, s)
		}
		return path, nil
	}
	return nil, fmt.Errorf("folder must be a string or a list, got %T", data)
}

// Compile turns rule specs into rules.
func Compile(specs []Spec) ([]Rule, error) {
	out := make([]Rule, 0, len(specs))
	for i, spec := range specs {
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("rule %d", i+1)
		}
		rule, err := compile(spec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.Name, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

func compile(spec Spec) (Rule, error) {
	match, err := compileMatch(spec)
	if err != nil {
		return Rule{}, err
	}
	apply, err := compileAction(spec)
	if err != nil {
		return Rule{}, err
	}
	return Rule{
		Name:     spec.Name,
		Match:    match,
		Apply:    apply,
		Continue: spec.Continue,
	}, nil
}

func compileMatch(spec Spec) (func(mail.Message) bool, error) {
	var preds []func(mail.Message) bool

	if spec.Header == "" && (spec.Contains != "" || spec.Matches != "") {
		return nil, errors.New("contains and matches need a header")
	}
	if spec.Contains != "" {
		header, s := spec.Header, spec.Contains
		preds = append(preds, func(m mail.Message) bool { return m.Header(header).Contains(s) })
	}
	if spec.Matches != "" {
		re, err := regexp.Compile("(?im)" + spec.Matches)
		if err != nil {
			return nil, fmt.Errorf("invalid matches expression: %w", err)
		}
		header := spec.Header
		preds = append(preds, func(m mail.Message) bool { return m.Header(header).MatchesRegexp(re) })
	}
	if spec.Header != "" && spec.Contains == "" && spec.Matches == "" {
		header := spec.Header
		preds = append(preds, func(m mail.Message) bool { return m.Header(header).Value != "" })
	}

	if spec.MailingList != "" {
		list := spec.MailingList
		preds = append(preds, func(m mail.Message) bool { return mail.FromMailingList(m, list) })
	}
	if spec.StrictList != "" {
		list := spec.StrictList
		preds = append(preds, func(m mail.Message) bool { return mail.StrictMailingList(m, list) })
	}
	if spec.Target != "" {
		s := spec.Target
		preds = append(preds, func(m mail.Message) bool { return mail.RecipientsContain(m, s) })
	}
	if spec.TargetMatches != "" {
		re, err := regexp.Compile("(?im)" + spec.TargetMatches)
		if err != nil {
			return nil, fmt.Errorf("invalid target_matches expression: %w", err)
		}
		preds = append(preds, func(m mail.Message) bool { return mail.RecipientsMatch(m, re) })
	}

	if spec.Seen != nil {
		want := *spec.Seen
		preds = append(preds, func(m mail.Message) bool { return m.IsSeen() == want })
	}
	if spec.Flagged != nil {
		want := *spec.Flagged
		preds = append(preds, func(m mail.Message) bool { return m.IsFlagged() == want })
	}

	return func(m mail.Message) bool {
		for _, p := range preds {
			if !p(m) {
				return false
			}
		}
		return true
	}, nil
}

func compileAction(spec Spec) (func(context.Context, mail.Message) error, error) {
	action := strings.ToLower(spec.Action)
	switch action {
	case ActionMove, ActionCopy:
		if spec.Folder == nil || len(spec.Folder.Components("/")) == 0 {
			return nil, fmt.Errorf("%s needs a folder", action)
		}
	case ActionForward, ActionForwardCopy:
		if len(spec.Addresses) == 0 {
			return nil, fmt.Errorf("%s needs addresses", action)
		}
	}

	folder := spec.Folder
	switch action {
	case ActionMove:
		return func(ctx context.Context, m mail.Message) error {
			return m.Move(ctx, folder, spec.Create)
		}, nil
	case ActionCopy:
		return func(ctx context.Context, m mail.Message) error {
			return m.Copy(ctx, folder, spec.Create)
		}, nil
	case ActionDelete:
		return func(ctx context.Context, m mail.Message) error {
			return m.Delete(ctx)
		}, nil
	case ActionForward:
		return func(ctx context.Context, m mail.Message) error {
			return m.Forward(ctx, spec.Addresses, spec.EnvSender, true)
		}, nil
	case ActionForwardCopy:
		return func(ctx context.Context, m mail.Message) error {
			return m.Forward(ctx, spec.Addresses, spec.EnvSender, false)
		}, nil
	case ActionNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown action %q", spec.Action)
	}
}
