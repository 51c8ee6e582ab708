package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAudienceMaskRoles(t *testing.T) {
	tests := []struct {
		name string
		mask AudienceMask
		want []UserRole
	}{
		{"仅学生", AudienceStudents, []UserRole{Student}},
		{"仅教师", AudienceTeachers, []UserRole{Teacher}},
		{"学生加家长", AudienceStudents | AudienceParents, []UserRole{Student, Parent}},
		{"全员", AudienceAll, []UserRole{Student, Teacher, Parent, Counselor}},
		{"空掩码", 0, nil},
		{"越界位被忽略", AudienceMask(1 << 10), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.mask.Roles())
		})
	}
}
