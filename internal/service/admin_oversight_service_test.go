package service

import (
	"testing"

	"school_im_backend/internal/config"
	"school_im_backend/internal/util"

	"github.com/stretchr/testify/assert"
)

func TestAdminReadRequiresJustification(t *testing.T) {
	// 理由校验在一切取数和审计之前，空理由走不到任何存储依赖
	svc := NewAdminOversightService(nil, nil, nil, nil, nil, config.MaintenanceConfig{})

	tests := []struct {
		name          string
		justification string
	}{
		{"空字符串", ""},
		{"纯空白", "   "},
		{"换行和制表符", "\n\t"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			views, err := svc.ReadConversation("conv-1", uAdmin, tt.justification, ClientMeta{})
			assert.ErrorIs(t, err, util.ErrEmptyJustification)
			assert.Nil(t, views)
		})
	}
}

func TestAdminReadRejectsNonAdmin(t *testing.T) {
	authz, _ := newTestAuthz()
	svc := NewAdminOversightService(nil, nil, nil, authz, nil, config.MaintenanceConfig{})

	_, err := svc.ReadConversation("conv-1", uTeacher, "家长投诉核查", ClientMeta{})
	assert.ErrorIs(t, err, util.ErrUnauthorized)
}

func TestAdminArchiveRejectsNonAdmin(t *testing.T) {
	authz, _ := newTestAuthz()
	svc := NewAdminOversightService(nil, nil, nil, authz, nil, config.MaintenanceConfig{})

	err := svc.ArchiveConversation(uStudent, "conv-1")
	assert.ErrorIs(t, err, util.ErrUnauthorized)
}
