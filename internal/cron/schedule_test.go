package cron

import (
	"testing"
	"time"

	robcron "github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}

func mustParse(t *testing.T, expr string) *Schedule {
	t.Helper()
	s, err := Parse(expr)
	require.NoError(t, err, expr)
	return s
}

func TestParse_Invalid(t *testing.T) {
	exprs := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * 32 * *",
		"* * * 13 *",
		"* * * * 8",
		"5-1 * * * *",
		"*/0 * * * *",
		"*/-1 * * * *",
		"1,,2 * * * *",
		"a * * * *",
		"1-x * * * *",
		"*/x * * * *",
		"-1 * * * *",
		"0-60 * * * *",
	}

	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			s, err := Parse(expr)
			require.ErrorIs(t, err, ErrInvalidExpression)
			assert.Nil(t, s)
		})
	}
}

func TestNextFireAfter(t *testing.T) {
	t.Run("Minute Aligned And Strictly After", func(t *testing.T) {
		s := mustParse(t, "* * * * *")
		from := time.Date(2024, 3, 10, 12, 34, 56, 789, time.UTC)

		next, ok := s.NextFireAfter(from, time.UTC)
		require.True(t, ok)
		assert.Equal(t, at(2024, 3, 10, 12, 35), next)

		next, ok = s.NextFireAfter(at(2024, 3, 10, 12, 35), time.UTC)
		require.True(t, ok)
		assert.Equal(t, at(2024, 3, 10, 12, 36), next)
	})

	t.Run("Exact Match Is Skipped", func(t *testing.T) {
		s := mustParse(t, "0 9 * * *")
		next, ok := s.NextFireAfter(at(2024, 1, 1, 9, 0), time.UTC)
		require.True(t, ok)
		assert.Equal(t, at(2024, 1, 2, 9, 0), next)
	})

	t.Run("Unsatisfiable", func(t *testing.T) {
		s := mustParse(t, "0 0 30 2 *")
		next, ok := s.NextFireAfter(at(2024, 1, 1, 0, 0), time.UTC)
		assert.False(t, ok)
		assert.True(t, next.IsZero())
	})

	t.Run("Day Fields Are ORed", func(t *testing.T) {
		// 2024-01-01 is a Monday
		s := mustParse(t, "0 9 1 * MON")

		next, ok := s.NextFireAfter(at(2023, 12, 31, 12, 0), time.UTC)
		require.True(t, ok)
		assert.Equal(t, at(2024, 1, 1, 9, 0), next)

		next, ok = s.NextFireAfter(next, time.UTC)
		require.True(t, ok)
		assert.Equal(t, at(2024, 1, 8, 9, 0), next)

		// the 1st of February is a Thursday
		next, ok = s.NextFireAfter(at(2024, 1, 29, 9, 0), time.UTC)
		require.True(t, ok)
		assert.Equal(t, at(2024, 2, 1, 9, 0), next)
	})

	t.Run("Day Of Month Only", func(t *testing.T) {
		s := mustParse(t, "0 0 15 * *")
		next, ok := s.NextFireAfter(at(2024, 1, 16, 0, 0), time.UTC)
		require.True(t, ok)
		assert.Equal(t, at(2024, 2, 15, 0, 0), next)
	})

	t.Run("Day Of Week Only", func(t *testing.T) {
		s := mustParse(t, "30 6 * * 3")
		next, ok := s.NextFireAfter(at(2024, 1, 1, 0, 0), time.UTC)
		require.True(t, ok)
		assert.Equal(t, at(2024, 1, 3, 6, 30), next)
	})

	t.Run("Step Range Union", func(t *testing.T) {
		s := mustParse(t, "*/15 8-10 * * 1-5")

		// Friday 10:50 rolls over the weekend
		next, ok := s.NextFireAfter(at(2024, 1, 5, 10, 50), time.UTC)
		require.True(t, ok)
		assert.Equal(t, at(2024, 1, 8, 8, 0), next)

		var fires []time.Time
		cur := at(2024, 1, 7, 23, 59)
		end := at(2024, 1, 14, 0, 0)
		for {
			next, ok := s.NextFireAfter(cur, time.UTC)
			require.True(t, ok)
			if !next.Before(end) {
				break
			}
			fires = append(fires, next)
			cur = next
		}

		require.Len(t, fires, 5*3*4)
		for _, f := range fires {
			assert.Contains(t, []int{0, 15, 30, 45}, f.Minute())
			assert.Contains(t, []int{8, 9, 10}, f.Hour())
			assert.NotEqual(t, time.Saturday, f.Weekday())
			assert.NotEqual(t, time.Sunday, f.Weekday())
		}
	})

	t.Run("Integer Step Base Is A Single Value", func(t *testing.T) {
		s := mustParse(t, "5/15 * * * *")
		next, ok := s.NextFireAfter(at(2024, 1, 1, 10, 6), time.UTC)
		require.True(t, ok)
		assert.Equal(t, at(2024, 1, 1, 11, 5), next)
	})

	t.Run("Sunday Alias", func(t *testing.T) {
		seven := mustParse(t, "0 0 * * 7")
		zero := mustParse(t, "0 0 * * 0")
		from := at(2024, 1, 1, 0, 0)

		a, ok := seven.NextFireAfter(from, time.UTC)
		require.True(t, ok)
		b, ok := zero.NextFireAfter(from, time.UTC)
		require.True(t, ok)
		assert.Equal(t, b, a)
		assert.Equal(t, at(2024, 1, 7, 0, 0), a)
	})

	t.Run("Location", func(t *testing.T) {
		loc := time.FixedZone("UTC+8", 8*3600)
		s := mustParse(t, "0 9 * * *")

		next, ok := s.NextFireAfter(at(2024, 1, 1, 0, 0), loc)
		require.True(t, ok)
		assert.Equal(t, at(2024, 1, 1, 1, 0), next.UTC())
		assert.Equal(t, 9, next.Hour())
	})
}

func TestParse_Idempotent(t *testing.T) {
	exprs := []string{"*/7 */3 * * *", "0 9 1 * MON", "15 4 1-10/2 jan,jun ?"}
	for _, expr := range exprs {
		a := mustParse(t, expr)
		b := mustParse(t, expr)

		cur := at(2024, 2, 28, 0, 0)
		for i := 0; i < 50; i++ {
			na, okA := a.NextFireAfter(cur, time.UTC)
			nb, okB := b.NextFireAfter(cur, time.UTC)
			require.Equal(t, okA, okB)
			require.Equal(t, na, nb)
			cur = na
		}
	}
}

func TestNextFireAfter_MatchesStandardParser(t *testing.T) {
	exprs := []string{
		"*/15 8-10 * * 1-5",
		"0 9 1 * 1",
		"30 2 * * *",
		"5,10-20/5 */3 1-15 1,6,12 *",
		"0 0 * * 0",
		"0 12 15 * 3",
	}
	froms := []time.Time{
		at(2024, 1, 1, 0, 0),
		time.Date(2024, 6, 17, 13, 47, 12, 0, time.UTC),
		at(2025, 12, 31, 23, 59),
	}

	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			ours := mustParse(t, expr)
			theirs, err := robcron.ParseStandard(expr)
			require.NoError(t, err)

			for _, from := range froms {
				cur := from
				for i := 0; i < 20; i++ {
					want := theirs.Next(cur)
					got, ok := ours.NextFireAfter(cur, time.UTC)
					require.True(t, ok)
					require.True(t, want.Equal(got), "from %s: want %s, got %s", cur, want, got)
					cur = got
				}
			}
		})
	}
}
