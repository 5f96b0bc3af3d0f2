package service

import (
	"context"
	"database/sql/driver"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"batchsync/internal/adapter"
	"batchsync/internal/identity"
	"batchsync/internal/strategy"
)

// ----------------------------- 工具函数 -----------------------------

var userColumns = []string{"name", "email", "age", "gender", "phone", "address", "status", "created_by", "updated_by", "created_at", "updated_at"}

func generateMockUserRecords(count int) [][]any {
	records := make([][]any, count)
	now := time.Now()
	for i := 0; i < count; i++ {
		records[i] = []any{
			fmt.Sprintf("User%d", i),
			fmt.Sprintf("user%d@example.com", i),
			int64(rand.Intn(50) + 18),
			[]string{"male", "female"}[rand.Intn(2)],
			fmt.Sprintf("138%08d", i),
			fmt.Sprintf("Address %d", i),
			int64(1),
			"system",
			"system",
			now.Add(-time.Duration(rand.Intn(30)) * 24 * time.Hour).Format(identity.TimeLayout),
			now.Add(-time.Duration(rand.Intn(30)) * 24 * time.Hour).Format(identity.TimeLayout),
		}
	}
	return records
}

// expectReplace 设置一次全量写入的期望: 检查表, 清空, 按批插入
func expectReplace(mock sqlmock.Sqlmock, rows *identity.Tagged, batchSize int) {
	exists := adapter.Postgres.TableExistsQuery
	mock.ExpectQuery(exists).WithArgs("user_records").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectQuery("SELECT * FROM user_records WHERE 1 = 0").
		WillReturnRows(sqlmock.NewRows(rows.Columns))
	mock.ExpectQuery(exists).WithArgs("user_records").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectExec("DELETE FROM user_records").WillReturnResult(sqlmock.NewResult(0, 0))

	stmt := adapter.Postgres.InsertSQL("user_records", rows.Columns, adapter.Layout{})
	args := make([]driver.Value, len(rows.Columns))
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	for start := 0; start < rows.Len(); start += batchSize {
		end := start + batchSize
		if end > rows.Len() {
			end = rows.Len()
		}
		mock.ExpectBegin()
		prep := mock.ExpectPrepare(stmt)
		for i := start; i < end; i++ {
			prep.ExpectExec().WithArgs(args...).WillReturnResult(sqlmock.NewResult(int64(i+1), 1))
		}
		mock.ExpectCommit()
	}
}

func newMockTarget(tb testing.TB) (adapter.Adapter, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		tb.Fatalf("创建模拟数据库失败: %v", err)
	}
	tb.Cleanup(func() { mockDB.Close() })
	return adapter.New(mockDB, adapter.Postgres), mock
}

// ----------------------------- 性能测试 -----------------------------

func BenchmarkWriteTarget(b *testing.B) {
	dataSizes := []int{3000, 5000}

	for _, size := range dataSizes {
		b.Run(fmt.Sprintf("DataSize_%d", size), func(b *testing.B) {
			target, mock := newMockTarget(b)
			rows, err := identity.Tag(userColumns, generateMockUserRecords(size))
			if err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				expectReplace(mock, rows, 1000)
				b.StartTimer()

				if _, err := writeTarget(context.Background(), target, "user_records", rows, strategy.Replace, 1000); err != nil {
					b.Fatalf("写入失败: %v", err)
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				b.Errorf("未满足的数据库期望: %v", err)
			}
		})
	}
}

func BenchmarkTag(b *testing.B) {
	records := generateMockUserRecords(5000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := identity.Tag(userColumns, records); err != nil {
			b.Fatal(err)
		}
	}
}

// ----------------------------- 功能测试 -----------------------------

func TestWriteTargetPerformance(t *testing.T) {
	dataSizes := []int{3000, 5000, 8000}

	for _, size := range dataSizes {
		t.Run(fmt.Sprintf("DataSize_%d", size), func(t *testing.T) {
			target, mock := newMockTarget(t)
			rows, err := identity.Tag(userColumns, generateMockUserRecords(size))
			if err != nil {
				t.Fatal(err)
			}
			expectReplace(mock, rows, 1000)

			start := time.Now()
			n, err := writeTarget(context.Background(), target, "user_records", rows, strategy.Replace, 1000)
			duration := time.Since(start)
			if err != nil {
				t.Fatalf("写入失败: %v", err)
			}
			if n != size {
				t.Fatalf("写入行数 %d, 期望 %d", n, size)
			}

			t.Logf("数据量: %d, 耗时: %v, 平均每条: %v", size, duration, duration/time.Duration(size))

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("未满足的数据库期望: %v", err)
			}
		})
	}
}
