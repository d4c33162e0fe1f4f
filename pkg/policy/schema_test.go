package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDocument_AcceptsWellFormedPolicy(t *testing.T) {
	doc := []byte(`{
		"policy_id": "deny_delete_file",
		"scope": {"tenant_id": "local"},
		"subject": {"type": "tool", "name": "delete_file"},
		"effect": {"decision": "deny"},
		"precedence": 100,
		"enabled": true
	}`)
	require.NoError(t, ValidateDocument(doc))
}

func TestValidateDocument_AcceptsConditions(t *testing.T) {
	doc := []byte(`{
		"policy_id": "allow_ls",
		"scope": {"tenant_id": "local"},
		"subject": {"type": "tool", "name": "exec"},
		"conditions": {
			"context.exec.argv0": {"in": ["ls"]},
			"capability": "external_network"
		},
		"effect": {"decision": "allow"}
	}`)
	require.NoError(t, ValidateDocument(doc))
}

func TestValidateDocument_Rejections(t *testing.T) {
	cases := map[string]string{
		"missing effect": `{
			"policy_id": "p", "scope": {"tenant_id": "t"}, "subject": {"type": "tool"}
		}`,
		"bad decision": `{
			"policy_id": "p", "scope": {"tenant_id": "t"}, "subject": {"type": "tool"},
			"effect": {"decision": "maybe"}
		}`,
		"bad subject type": `{
			"policy_id": "p", "scope": {"tenant_id": "t"}, "subject": {"type": "planet"},
			"effect": {"decision": "allow"}
		}`,
		"unknown operator": `{
			"policy_id": "p", "scope": {"tenant_id": "t"}, "subject": {"type": "tool"},
			"conditions": {"tool": {"regex": ".*"}},
			"effect": {"decision": "allow"}
		}`,
		"not json": `{`,
	}
	for name, doc := range cases {
		require.Error(t, ValidateDocument([]byte(doc)), name)
	}
}
