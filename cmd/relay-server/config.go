package main

type Config struct {
	ListenAddr     string `env:"LISTEN_ADDR,default=:5000"`
	RedisAddr      string `env:"REDIS_ADDR,required=true"`
	SendBufferSize int    `env:"SEND_BUFFER_SIZE,default=64"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
}
