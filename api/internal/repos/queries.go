package repos // 仓储包

import ( // 依赖导入
	"context" // 上下文处理
	"errors"  // 错误判断

	"github.com/jackc/pgx/v5"        // pgx 接口
	"github.com/jackc/pgx/v5/pgconn" // 连接命令结果
)

type DBTX interface { // 数据库事务/连接抽象
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error) // 执行语句
	Query(context.Context, string, ...any) (pgx.Rows, error)         // 查询多行
	QueryRow(context.Context, string, ...any) pgx.Row                // 查询单行
}

const uniqueViolation = "23505" // 唯一约束冲突

func isUniqueViolation(err error) bool { // 判断唯一约束冲突
	var pgErr *pgconn.PgError // 取出 PG 错误
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isNoRows(err error) bool { // 判断无结果
	return errors.Is(err, pgx.ErrNoRows)
}
