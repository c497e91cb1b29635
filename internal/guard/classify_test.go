package guard

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClassifySQL(t *testing.T) {
	tests := []struct {
		text    string
		class   Class
		op      OpType
		targets []string
	}{
		{"DELETE FROM orders WHERE id=1", ClassMutating, OpDelete, []string{"orders"}},
		{"delete from public.orders", ClassMutating, OpDelete, []string{"public.orders"}},
		{"DROP TABLE IF EXISTS staging", ClassMutating, OpDelete, []string{"staging"}},
		{"TRUNCATE prices", ClassMutating, OpDelete, []string{"prices"}},
		{"TRUNCATE TABLE prices", ClassMutating, OpDelete, []string{"prices"}},
		{"UPDATE ONLY accounts SET x = 1", ClassMutating, OpUpdate, []string{"accounts"}},
		{"ALTER TABLE accounts ADD COLUMN y int", ClassMutating, OpUpdate, []string{"accounts"}},
		{"INSERT INTO fills (a) VALUES (1)", ClassMutating, OpInsert, []string{"fills"}},
		{"INSERT INTO fills SELECT * FROM staging", ClassMutating, OpInsert, []string{"staging", "fills"}},
		{`DELETE FROM "Orders"`, ClassMutating, OpDelete, []string{"Orders"}},
		{"WITH old AS (SELECT id FROM t) DELETE FROM t USING old", ClassMutating, OpDelete, []string{"t"}},
		{"SELECT * FROM orders", ClassRead, "", []string{"orders"}},
		{"  -- cleanup\nSELECT 1; DELETE FROM a; UPDATE b SET c=1", ClassMutating, OpDelete, []string{"a", "b"}},
		{"SELECT 'DELETE FROM x' AS s", ClassRead, "", nil},
		{"BEGIN; DELETE FROM orders WHERE id=1; COMMIT;", ClassMutating, OpDelete, []string{"orders"}},
		{"SET search_path = app; DROP TABLE orders", ClassMutating, OpDelete, []string{"orders"}},
		{"SELECT 1; CALL purge_orders()", ClassMutating, OpUpdate, nil},
		{"WITH RECURSIVE r(n) AS (SELECT 1) SELECT n FROM r", ClassRead, "", []string{"r"}},
		{"", ClassNone, "", nil},
	}
	for _, tt := range tests {
		got := Classify(tt.text)
		if got.Class != tt.class || got.Op != tt.op {
			t.Errorf("Classify(%q): expected %s/%s, got %s/%s", tt.text, tt.class, tt.op, got.Class, got.Op)
		}
		if diff := cmp.Diff(tt.targets, got.Targets); diff != "" {
			t.Errorf("Classify(%q) targets (-want +got):\n%s", tt.text, diff)
		}
	}
}

func TestClassifyCode(t *testing.T) {
	tests := []struct {
		text    string
		class   Class
		op      OpType
		targets []string
	}{
		{"df.to_sql('fills', con)", ClassMutating, OpInsert, []string{"fills"}},
		{"df.to_sql('fills', con, if_exists='replace')", ClassMutating, OpUpdate, []string{"fills"}},
		{"client.delete_table(\"prices\")", ClassMutating, OpDelete, []string{"prices"}},
		{"db.drop_collection('audit')", ClassMutating, OpDelete, []string{"audit"}},
		{"coll.insert_many(docs)", ClassMutating, OpInsert, nil},
		{"session.query(Order).filter(x).delete()", ClassMutating, OpDelete, nil},
		{"cur.execute(\"DELETE FROM orders WHERE id = %s\", (1,))", ClassMutating, OpDelete, []string{"orders"}},
		{"pd.read_sql('SELECT * FROM prices', con)", ClassRead, "", []string{"prices"}},
		{"frame = df.drop(columns=['a'])", ClassNone, "", nil},
		{"# df.to_sql('x', con)\nx = 1", ClassNone, "", nil},
		{"delete(x)", ClassNone, "", nil},
		{"values = cur.execute(\"DELETE FROM orders\")", ClassMutating, OpDelete, []string{"orders"}},
		{"desc = cur.execute(\"DROP TABLE orders\")", ClassMutating, OpDelete, []string{"orders"}},
		{"with open(path) as fh:\n    cur.execute(fh.read())", ClassNone, "", nil},
		{"cur.execute('BEGIN; TRUNCATE prices; COMMIT')", ClassMutating, OpDelete, []string{"prices"}},
		{"kw = dict(action='delete')", ClassNone, "", nil},
	}
	for _, tt := range tests {
		got := Classify(tt.text)
		if got.Class != tt.class || got.Op != tt.op {
			t.Errorf("Classify(%q): expected %s/%s, got %s/%s", tt.text, tt.class, tt.op, got.Class, got.Op)
		}
		if diff := cmp.Diff(tt.targets, got.Targets); diff != "" {
			t.Errorf("Classify(%q) targets (-want +got):\n%s", tt.text, diff)
		}
	}
}

func TestExcerpt(t *testing.T) {
	if got := Excerpt("DELETE   FROM\n orders", 200); got != "DELETE FROM orders" {
		t.Errorf("expected collapsed whitespace, got %q", got)
	}
	if got := Excerpt("DELETE FROM orders", 10); got != "DELETE ..." {
		t.Errorf("expected bounded excerpt, got %q", got)
	}
	if got := Excerpt("ééééé", 4); got != "é..." {
		t.Errorf("expected rune-aware truncation, got %q", got)
	}
}

func TestClassifySQLUnrecognized(t *testing.T) {
	tests := []struct {
		text    string
		class   Class
		op      OpType
		unknown []string
	}{
		{"CALL purge_orders()", ClassMutating, OpUpdate, []string{"CALL"}},
		{"DO $$ BEGIN DELETE FROM t; END $$", ClassMutating, OpUpdate, []string{"DO"}},
		{"BEGIN; COMMIT", ClassNone, "", nil},
		{"SELECT -1", ClassRead, "", nil},
		{"  ", ClassNone, "", nil},
	}
	for _, tt := range tests {
		got := ClassifySQL(tt.text)
		if got.Class != tt.class || got.Op != tt.op {
			t.Errorf("ClassifySQL(%q): expected %s/%s, got %s/%s", tt.text, tt.class, tt.op, got.Class, got.Op)
		}
		if diff := cmp.Diff(tt.unknown, got.Unrecognized); diff != "" {
			t.Errorf("ClassifySQL(%q) unrecognized (-want +got):\n%s", tt.text, diff)
		}
	}
}
