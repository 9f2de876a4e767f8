package users

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/jmerrifield20/linkdeal/pkg/validator"
)

// MentorInput is the onboarding payload for mentors.
type MentorInput struct {
	FullName    string   `mapstructure:"full_name" json:"full_name" validate:"max=200"`
	Bio         string   `mapstructure:"bio" json:"bio" validate:"required,max=5000"`
	Skills      []string `mapstructure:"skills" json:"skills" validate:"required,min=1,max=50,dive,required,max=100"`
	HourlyRate  float64  `mapstructure:"hourly_rate" json:"hourly_rate" validate:"gte=0"`
	BankName    string   `mapstructure:"bank_name" json:"bank_name" validate:"max=200"`
	BankAccount string   `mapstructure:"bank_account" json:"bank_account" validate:"max=64"`
}

// MenteeInput is the onboarding payload for mentees.
type MenteeInput struct {
	FullName  string   `mapstructure:"full_name" json:"full_name" validate:"max=200"`
	Bio       string   `mapstructure:"bio" json:"bio" validate:"max=5000"`
	Interests []string `mapstructure:"interests" json:"interests" validate:"max=50,dive,required,max=100"`
	Goals     string   `mapstructure:"goals" json:"goals" validate:"max=5000"`
}

// ProfileInput is a decoded and validated onboarding payload. Exactly one of
// Mentor or Mentee is set, matching Role.
type ProfileInput struct {
	Role   Role
	Mentor *MentorInput
	Mentee *MenteeInput
}

// FullName returns the name carried by the payload.
func (p *ProfileInput) FullName() string {
	switch {
	case p.Mentor != nil:
		return p.Mentor.FullName
	case p.Mentee != nil:
		return p.Mentee.FullName
	}
	return ""
}

// DecodeProfileInput turns an opaque registration payload into a typed
// profile input for role. Numbers sent as strings and comma-separated lists
// are accepted.
func DecodeProfileInput(role Role, payload map[string]any) (*ProfileInput, error) {
	if !role.Registrable() {
		return nil, ErrInvalidRole
	}
	if payload == nil {
		payload = map[string]any{}
	}

	in := &ProfileInput{Role: role}
	var target any
	if role == RoleMentor {
		in.Mentor = &MentorInput{}
		target = in.Mentor
	} else {
		in.Mentee = &MenteeInput{}
		target = in.Mentee
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
		WeaklyTypedInput: true,
		Result:           target,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("profile decoder: %w", err)
	}
	if err := dec.Decode(payload); err != nil {
		return nil, &ValidationError{Fields: map[string]string{"payload": err.Error()}}
	}

	in.normalize()
	if err := validator.Struct(target); err != nil {
		var fe validator.FieldErrors
		if errors.As(err, &fe) {
			return nil, &ValidationError{Fields: fe}
		}
		return nil, fmt.Errorf("validate profile: %w", err)
	}
	return in, nil
}

func (p *ProfileInput) normalize() {
	if p.Mentor != nil {
		p.Mentor.FullName = strings.TrimSpace(p.Mentor.FullName)
		p.Mentor.Bio = strings.TrimSpace(p.Mentor.Bio)
		p.Mentor.Skills = cleanList(p.Mentor.Skills)
	}
	if p.Mentee != nil {
		p.Mentee.FullName = strings.TrimSpace(p.Mentee.FullName)
		p.Mentee.Bio = strings.TrimSpace(p.Mentee.Bio)
		p.Mentee.Interests = cleanList(p.Mentee.Interests)
		p.Mentee.Goals = strings.TrimSpace(p.Mentee.Goals)
	}
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

// applyMentor copies non-empty input fields onto p. Status is left alone.
func applyMentor(p *MentorProfile, in *MentorInput) {
	if in == nil {
		return
	}
	if in.Bio != "" {
		p.Bio = in.Bio
	}
	if len(in.Skills) > 0 {
		p.Skills = in.Skills
	}
	if in.HourlyRate > 0 || p.HourlyRate == 0 {
		p.HourlyRate = in.HourlyRate
	}
	if in.BankName != "" {
		p.BankName = in.BankName
	}
	if in.BankAccount != "" {
		p.BankAccount = in.BankAccount
	}
}

// applyMentee copies non-empty input fields onto p. Status is left alone.
func applyMentee(p *MenteeProfile, in *MenteeInput) {
	if in == nil {
		return
	}
	if in.Bio != "" {
		p.Bio = in.Bio
	}
	if len(in.Interests) > 0 {
		p.Interests = in.Interests
	}
	if in.Goals != "" {
		p.Goals = in.Goals
	}
}
