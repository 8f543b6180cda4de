package main

import (
	"bufio"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"

	_ "github.com/chrisdennis/calcite-avatica/pkg/driver"
)

var (
	url    string
	binary bool
)

func init() {
	flag.StringVar(&url, "url", "http://localhost:8765", "gateway URL")
	flag.BoolVar(&binary, "binary", false, "use the compact binary serializer")
}

func main() {
	flag.Parse()

	dsn := url
	if binary {
		dsn += "#binary"
	}

	db, err := sql.Open("avatica", dsn)
	if err != nil {
		fmt.Printf("connecting to gateway: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		fmt.Printf("gateway unreachable: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("connected to %s\n", url)
	fmt.Println("enter SQL statements terminated by ';' ('exit' quits)")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	var buffer strings.Builder

	for {
		fmt.Print("avatica> ")
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			continue
		}
		if trimmed == "exit" || trimmed == "quit" {
			break
		}

		buffer.WriteString(line)
		buffer.WriteString(" ")
		if !strings.HasSuffix(trimmed, ";") {
			continue
		}

		stmt := strings.TrimSuffix(strings.TrimSpace(buffer.String()), ";")
		buffer.Reset()

		upper := strings.ToUpper(strings.TrimSpace(stmt))
		if strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "VALUES") {
			runQuery(db, stmt)
		} else {
			runExec(db, stmt)
		}
	}
}

func runQuery(db *sql.DB, stmt string) {
	rows, err := db.Query(stmt)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println(strings.Join(cols, " | "))

	count := 0
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		cells := make([]string, len(values))
		for i, v := range values {
			switch x := v.(type) {
			case nil:
				cells[i] = "NULL"
			case []byte:
				cells[i] = string(x)
			default:
				cells[i] = fmt.Sprintf("%v", x)
			}
		}
		fmt.Println(strings.Join(cells, " | "))
		count++
	}
	if err := rows.Err(); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("%d row(s)\n", count)
}

func runExec(db *sql.DB, stmt string) {
	res, err := db.Exec(stmt)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	affected, _ := res.RowsAffected()
	fmt.Printf("ok, %d row(s) affected\n", affected)
}
