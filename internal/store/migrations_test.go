package store

import (
	"strings"
	"testing"
)

func TestLoadMigrationFiles(t *testing.T) {
	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("读取嵌入迁移失败: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("嵌入迁移不应为空")
	}
	if files[0].version != "0001" {
		t.Fatalf("首个迁移版本应为 0001, 实际为 %s", files[0].version)
	}
	found := false
	for _, stmt := range files[0].statements {
		if strings.Contains(stmt, "metapilot_snapshots") {
			found = true
		}
	}
	if !found {
		t.Fatal("首个迁移应创建 metapilot_snapshots 表")
	}
	for i := 1; i < len(files); i++ {
		if files[i].version < files[i-1].version {
			t.Fatalf("迁移未按版本排序: %s 在 %s 之后", files[i].version, files[i-1].version)
		}
	}
}

func TestSplitSQLStatements(t *testing.T) {
	stmts := splitSQLStatements("CREATE TABLE a (id INT);\n\nINSERT INTO a VALUES (1);  \n;")
	if len(stmts) != 2 {
		t.Fatalf("应拆分出 2 条语句, 实际为 %d", len(stmts))
	}
	if !strings.HasPrefix(stmts[0], "CREATE TABLE") {
		t.Fatalf("首条语句不符合预期: %s", stmts[0])
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_create_snapshots.sql": "0001",
		"0002.sql":                  "0002",
		"plain":                     "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("%s 的版本解析错误: 期望 %s, 实际 %s", name, want, got)
		}
	}
}
