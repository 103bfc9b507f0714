package stores

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	querygate "github.com/Mousten/mcp-bigquery-v1-sub000"
)

func TestAuditStores(t *testing.T) {
	factories := map[string]func(t *testing.T) querygate.AuditStore{
		"memory": func(t *testing.T) querygate.AuditStore { return NewMemoryAuditStore() },
		"sql":    func(t *testing.T) querygate.AuditStore { return NewSQLAuditStore(newTestDB(t)) },
	}
	for name, factory := range factories {
		factory := factory
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			base := time.Now().UTC().Truncate(time.Second)
			for i := 0; i < 3; i++ {
				require.NoError(t, s.LogDecision(ctx, &querygate.AuditEntry{
					ID:          fmt.Sprintf("a%d", i),
					Timestamp:   base.Add(time.Duration(i) * time.Second),
					PrincipalID: "alice",
					TraceID:     "trace",
					References:  []string{"p.sales.orders"},
					Allowed:     true,
				}))
			}
			require.NoError(t, s.LogDecision(ctx, &querygate.AuditEntry{
				ID:          "d1",
				Timestamp:   base.Add(5 * time.Second),
				PrincipalID: "alice",
				References:  []string{"p.hr.salaries"},
				Resource:    "hr",
				Reason:      querygate.ReasonDataset,
			}))
			require.NoError(t, s.LogDecision(ctx, &querygate.AuditEntry{
				ID:          "b1",
				Timestamp:   base,
				PrincipalID: "bob",
				Allowed:     true,
			}))
			require.NoError(t, s.LogDecision(ctx, nil))

			all, err := s.GetAccessLog(ctx, querygate.AuditFilter{PrincipalID: "alice"})
			require.NoError(t, err)
			assert.Len(t, all, 4)

			denied, err := s.GetAccessLog(ctx, querygate.AuditFilter{PrincipalID: "alice", OnlyDenied: true})
			require.NoError(t, err)
			require.Len(t, denied, 1)
			assert.Equal(t, "d1", denied[0].ID)
			assert.Equal(t, "hr", denied[0].Resource)
			assert.Equal(t, querygate.ReasonDataset, denied[0].Reason)
			assert.Equal(t, []string{"p.hr.salaries"}, denied[0].References)

			limited, err := s.GetAccessLog(ctx, querygate.AuditFilter{PrincipalID: "alice", Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}
