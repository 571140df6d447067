// asmopt - 机器码窗口超优化器
//
// 用法:
//   asmopt optimize [options] code.bin     # 优化机器码序列
//   asmopt disasm [options] code.bin       # 反汇编机器码序列
//   asmopt rules                           # 列出内建改写规则

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/tangzhangming/asmopt/internal/config"
	"github.com/tangzhangming/asmopt/internal/isa"
	"github.com/tangzhangming/asmopt/internal/rules"
	"github.com/tangzhangming/asmopt/internal/session"
)

// 版本信息
const (
	Version = "1.0.0"
	Name    = "asmopt"
)

// 命令行选项
var (
	helpFlag    = flag.Bool("help", false, "显示帮助信息")
	versionFlag = flag.Bool("version", false, "显示版本信息")
	verboseFlag = flag.Bool("verbose", false, "详细日志输出")

	configFlag = flag.String("config", "", "配置文件路径 (TOML)")
	archFlag   = flag.String("arch", "", "目标架构 (覆盖配置文件)")
	entryFlag  = flag.Uint64("entry", 0x400000, "序列入口地址")

	outputFlag = flag.String("o", "", "优化后机器码输出文件")
	reportFlag = flag.String("report", "", "审计报告输出文件 (JSON)")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *helpFlag {
		usage()
		os.Exit(0)
	}

	if *versionFlag {
		fmt.Printf("%s version %s\n", Name, Version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	var err error
	switch cmd {
	case "optimize":
		err = runOptimize(cmdArgs)
	case "disasm":
		err = runDisasm(cmdArgs)
	case "rules":
		err = runRules()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "未知命令: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s - 机器码窗口超优化器 v%s

用法:
  %s <命令> [选项] [参数]

命令:
  optimize  优化机器码序列
  disasm    反汇编机器码序列
  rules     列出内建改写规则
  help      显示帮助信息

选项:
`, Name, Version, Name)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
示例:
  # 优化机器码, 输出优化结果与审计报告
  %s optimize -o out.bin -report report.json code.bin

  # 指定配置文件与入口地址
  %s optimize -config asmopt.toml -entry 0x401000 code.bin

  # 反汇编查看序列
  %s disasm code.bin
`, Name, Name, Name)
}

// newLogger 构造命令行日志器
func newLogger() (*zap.Logger, error) {
	if *verboseFlag {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// loadInput 读取机器码与配置, 解析架构
func loadInput(args []string) ([]byte, *config.Config, isa.Arch, error) {
	if len(args) == 0 {
		return nil, nil, isa.ArchUnknown, fmt.Errorf("请指定机器码文件")
	}

	code, err := os.ReadFile(args[0])
	if err != nil {
		return nil, nil, isa.ArchUnknown, fmt.Errorf("读取机器码失败: %w", err)
	}
	if len(code) == 0 {
		return nil, nil, isa.ArchUnknown, fmt.Errorf("机器码文件为空: %s", args[0])
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return nil, nil, isa.ArchUnknown, err
	}

	archName := cfg.Arch
	if *archFlag != "" {
		archName = *archFlag
	}
	arch, err := isa.ParseArch(archName)
	if err != nil {
		return nil, nil, isa.ArchUnknown, err
	}
	return code, cfg, arch, nil
}

// runOptimize 优化机器码序列
func runOptimize(args []string) error {
	code, cfg, arch, err := loadInput(args)
	if err != nil {
		return err
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	s, err := session.Start(code, arch, *entryFlag, cfg, log)
	if err != nil {
		return err
	}
	res, err := s.Await(context.Background())
	if err != nil {
		return err
	}

	rep := res.Report
	fmt.Printf("优化完成: %d 轮, 提交 %d, 拒绝 %d\n",
		rep.Rounds, len(rep.Applied), len(rep.Rejected))
	fmt.Printf("  指令数: %d → %d\n",
		rep.Baseline.InstructionCount, rep.Optimized.InstructionCount)
	fmt.Printf("  估算周期: %d → %d\n",
		rep.Baseline.EstimatedCycles, rep.Optimized.EstimatedCycles)
	fmt.Printf("  编码字节: %d → %d\n",
		rep.Baseline.CodeSize, rep.Optimized.CodeSize)
	if rep.BudgetExceeded {
		fmt.Println("  注意: 预算耗尽, 结果为部分优化")
	}

	if *outputFlag != "" {
		if err := os.WriteFile(*outputFlag, res.Code, 0644); err != nil {
			return fmt.Errorf("写入优化结果失败: %w", err)
		}
		fmt.Printf("优化后机器码已保存到: %s\n", *outputFlag)
	}

	if *reportFlag != "" {
		data, err := rep.JSON()
		if err != nil {
			return fmt.Errorf("序列化审计报告失败: %w", err)
		}
		if err := os.WriteFile(*reportFlag, data, 0644); err != nil {
			return fmt.Errorf("写入审计报告失败: %w", err)
		}
		fmt.Printf("审计报告已保存到: %s\n", *reportFlag)
	}

	return nil
}

// runDisasm 反汇编机器码序列
func runDisasm(args []string) error {
	code, _, arch, err := loadInput(args)
	if err != nil {
		return err
	}

	seq, err := isa.Decode(code, arch, *entryFlag)
	if err != nil {
		return err
	}

	for i := range seq.Instrs {
		in := &seq.Instrs[i]
		fmt.Printf("%4d  %#x  %s\n", i, in.Addr, in.String())
	}
	return nil
}

// runRules 列出内建改写规则
func runRules() error {
	for _, r := range rules.All() {
		fmt.Println(r.ID())
	}
	return nil
}
